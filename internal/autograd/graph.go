// Package autograd is a small reverse-mode differentiation tape over
// tensor.Tensor values.
//
// A Graph records the operations of one forward pass. Parameters are
// long-lived Vars created with NewParam; their gradients accumulate across
// Backward calls until ZeroGrad.
package autograd

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qtrain/internal/tensor"
)

var ErrNotScalar = errors.New("autograd: backward requires a single-element loss")

// Var is a node value in the tape.
type Var struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	requiresGrad bool
}

// NewParam wraps t as a trainable leaf.
func NewParam(name string, t *tensor.Tensor) *Var {
	return &Var{Name: name, Value: t, requiresGrad: true}
}

// NewConst wraps t as a leaf that never receives a gradient.
func NewConst(t *tensor.Tensor) *Var {
	return &Var{Value: t}
}

func (v *Var) RequiresGrad() bool { return v.requiresGrad }

// ZeroGrad drops the accumulated gradient.
func (v *Var) ZeroGrad() { v.Grad = nil }

func (v *Var) accumulate(g *tensor.Tensor) {
	if v.Grad == nil {
		v.Grad = tensor.FromData(append([]float32(nil), g.Data...), v.Value.Shape...)
		return
	}
	tensor.Add(v.Grad.Data, g.Data)
}

// Function is a differentiable operator with an explicit backward rule.
// Backward receives the upstream gradient and the forward inputs and returns
// one gradient per input; a nil entry means the input receives no gradient.
type Function interface {
	Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor, inputs []*tensor.Tensor) []*tensor.Tensor
}

type node struct {
	out      *Var
	inputs   []*Var
	backward func(gradOut *tensor.Tensor) []*tensor.Tensor
}

// Graph is the tape of one forward pass. It is not safe for concurrent use.
type Graph struct {
	noGrad bool
	nodes  []node
}

// NewGraph returns a recording tape.
func NewGraph() *Graph { return &Graph{} }

// NewInferenceGraph returns a tape that records nothing; every result is a
// constant.
func NewInferenceGraph() *Graph { return &Graph{noGrad: true} }

// Recording reports whether operations are being taped.
func (g *Graph) Recording() bool { return !g.noGrad }

// Detach returns a view of v that shares its value but is cut from the tape.
func (g *Graph) Detach(v *Var) *Var {
	return &Var{Name: v.Name, Value: v.Value}
}

// record wires out into the tape if any input needs a gradient.
func (g *Graph) record(value *tensor.Tensor, inputs []*Var, backward func(*tensor.Tensor) []*tensor.Tensor) *Var {
	out := &Var{Value: value}
	if g.noGrad {
		return out
	}
	needs := false
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			needs = true
			break
		}
	}
	if !needs {
		return out
	}
	out.requiresGrad = true
	g.nodes = append(g.nodes, node{out: out, inputs: inputs, backward: backward})
	return out
}

// Apply runs a custom Function and tapes its backward rule.
func (g *Graph) Apply(fn Function, inputs ...*Var) (*Var, error) {
	vals := make([]*tensor.Tensor, len(inputs))
	for i, in := range inputs {
		vals[i] = in.Value
	}
	out, err := fn.Forward(vals)
	if err != nil {
		return nil, err
	}
	return g.record(out, inputs, func(gy *tensor.Tensor) []*tensor.Tensor {
		return fn.Backward(gy, vals)
	}), nil
}

// Backward seeds d(loss)/d(loss) = 1 and propagates gradients to every
// taped Var that requires one.
func (g *Graph) Backward(loss *Var) error {
	if loss.Value.Len() != 1 {
		return fmt.Errorf("%w: got shape %v", ErrNotScalar, loss.Value.Shape)
	}
	if !loss.requiresGrad {
		return nil
	}
	loss.accumulate(tensor.Full(1, loss.Value.Shape...))
	for i := len(g.nodes) - 1; i >= 0; i-- {
		n := g.nodes[i]
		if n.out.Grad == nil {
			continue
		}
		grads := n.backward(n.out.Grad)
		for k, in := range n.inputs {
			if in == nil || !in.requiresGrad || k >= len(grads) || grads[k] == nil {
				continue
			}
			if grads[k].Len() != in.Value.Len() {
				return fmt.Errorf("autograd: gradient for input %d has %d elements, want %d", k, grads[k].Len(), in.Value.Len())
			}
			in.accumulate(grads[k])
		}
	}
	return nil
}
