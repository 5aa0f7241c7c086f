// Package optim updates parameters from their accumulated gradients.
package optim

import (
	"fmt"
	"math"
	"strings"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// statePrefix names momentum buffers in State.
const statePrefix = "momentum_buffer."

// SGD is stochastic gradient descent with heavy-ball momentum and L2 weight
// decay:
//
//	d = grad + wd*p
//	v = momentum*v + d   (v = d on the first step)
//	p = p - lr*v
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	params   []*autograd.Var
	velocity map[*autograd.Var]*tensor.Tensor
}

func NewSGD(params []*autograd.Var, lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		LR:          lr,
		Momentum:    momentum,
		WeightDecay: weightDecay,
		params:      params,
		velocity:    make(map[*autograd.Var]*tensor.Tensor),
	}
}

// Step applies one update to every parameter holding a gradient.
func (o *SGD) Step() {
	lr, mom, wd := float32(o.LR), float32(o.Momentum), float32(o.WeightDecay)
	for _, p := range o.params {
		if p.Grad == nil {
			continue
		}
		d := p.Grad.Data
		if wd != 0 {
			d = append([]float32(nil), d...)
			tensor.Axpy(d, wd, p.Value.Data)
		}
		if mom != 0 {
			v, ok := o.velocity[p]
			if !ok {
				v = tensor.FromData(append([]float32(nil), d...), p.Value.Shape...)
				o.velocity[p] = v
			} else {
				tensor.Scale(v.Data, mom)
				tensor.Add(v.Data, d)
			}
			d = v.Data
		}
		tensor.Axpy(p.Value.Data, -lr, d)
	}
}

// ZeroGrad clears the gradient of every parameter.
func (o *SGD) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// State returns the momentum buffers keyed by "momentum_buffer.<param>".
func (o *SGD) State() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(o.velocity))
	for p, v := range o.velocity {
		out[statePrefix+p.Name] = v
	}
	return out
}

// LoadState restores momentum buffers saved by State. Entries without the
// buffer prefix are ignored; buffers for unknown parameters or with the wrong
// size are errors.
func (o *SGD) LoadState(state map[string]*tensor.Tensor) error {
	byName := make(map[string]*autograd.Var, len(o.params))
	for _, p := range o.params {
		byName[p.Name] = p
	}
	for key, t := range state {
		name, ok := strings.CutPrefix(key, statePrefix)
		if !ok {
			continue
		}
		p, ok := byName[name]
		if !ok {
			return fmt.Errorf("optimizer state for unknown parameter %q", name)
		}
		if t.Len() != p.Value.Len() {
			return fmt.Errorf("optimizer state for %q has %d values, want %d", name, t.Len(), p.Value.Len())
		}
		o.velocity[p] = tensor.FromData(append([]float32(nil), t.Data...), p.Value.Shape...)
	}
	return nil
}

// StepLR returns base * 0.1^(epoch/stepAfter) with integer division.
func StepLR(base float64, epoch, stepAfter int) float64 {
	if stepAfter <= 0 {
		return base
	}
	return base * math.Pow(0.1, float64(epoch/stepAfter))
}
