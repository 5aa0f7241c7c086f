package autograd

import (
	"fmt"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// Add returns a + b for same-shaped operands.
func (g *Graph) Add(a, b *Var) (*Var, error) {
	if a.Value.Len() != b.Value.Len() {
		return nil, fmt.Errorf("add: shape mismatch %v vs %v", a.Value.Shape, b.Value.Shape)
	}
	out := a.Value.Clone()
	out.DType = tensor.F32
	tensor.Add(out.Data, b.Value.Data)
	return g.record(out, []*Var{a, b}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{gy, gy}
	}), nil
}

// Sub returns a - b for same-shaped operands.
func (g *Graph) Sub(a, b *Var) (*Var, error) {
	if a.Value.Len() != b.Value.Len() {
		return nil, fmt.Errorf("sub: shape mismatch %v vs %v", a.Value.Shape, b.Value.Shape)
	}
	out := a.Value.Clone()
	out.DType = tensor.F32
	tensor.Sub(out.Data, b.Value.Data)
	return g.record(out, []*Var{a, b}, func(gy *tensor.Tensor) []*tensor.Tensor {
		neg := gy.Clone()
		tensor.Scale(neg.Data, -1)
		return []*tensor.Tensor{gy, neg}
	}), nil
}

// Linear computes x*w^T + b for x [N,in], w [out,in] and optional b [out].
func (g *Graph) Linear(x, w, b *Var) (*Var, error) {
	if x.Value.Rank() != 2 || w.Value.Rank() != 2 || x.Value.Shape[1] != w.Value.Shape[1] {
		return nil, fmt.Errorf("linear: incompatible shapes %v and %v", x.Value.Shape, w.Value.Shape)
	}
	out := tensor.MatMul(x.Value, w.Value, false, true)
	nOut := w.Value.Shape[0]
	if b != nil {
		if b.Value.Len() != nOut {
			return nil, fmt.Errorf("linear: bias has %d elements, want %d", b.Value.Len(), nOut)
		}
		for i := 0; i < out.Shape[0]; i++ {
			tensor.Add(out.Data[i*nOut:(i+1)*nOut], b.Value.Data)
		}
	}
	xv, wv := x.Value, w.Value
	return g.record(out, []*Var{x, w, b}, func(gy *tensor.Tensor) []*tensor.Tensor {
		grads := make([]*tensor.Tensor, 3)
		if x.requiresGrad {
			grads[0] = tensor.MatMul(gy, wv, false, false)
		}
		if w.requiresGrad {
			grads[1] = tensor.MatMul(gy, xv, true, false)
		}
		if b != nil && b.requiresGrad {
			db := tensor.New(nOut)
			for i := 0; i < gy.Shape[0]; i++ {
				tensor.Add(db.Data, gy.Data[i*nOut:(i+1)*nOut])
			}
			grads[2] = db
		}
		return grads
	}), nil
}

// Conv2d convolves x [N,C,H,W] with w [O,C/groups,KH,KW] and adds an optional
// bias [O].
func (g *Graph) Conv2d(x, w, b *Var, opts tensor.ConvOptions) (*Var, error) {
	var bias *tensor.Tensor
	if b != nil {
		bias = b.Value
	}
	out, err := tensor.Conv2d(x.Value, w.Value, bias, opts)
	if err != nil {
		return nil, err
	}
	xv, wv := x.Value, w.Value
	return g.record(out, []*Var{x, w, b}, func(gy *tensor.Tensor) []*tensor.Tensor {
		grads := make([]*tensor.Tensor, 3)
		dx, dw, err := tensor.Conv2dBackward(gy, xv, wv, opts, x.requiresGrad, w.requiresGrad)
		if err != nil {
			// Shapes were validated by the forward call.
			panic(err)
		}
		grads[0], grads[1] = dx, dw
		if b != nil && b.requiresGrad {
			grads[2] = tensor.ChannelSum(gy)
		}
		return grads
	}), nil
}

// AddChannelBias adds b [C] to every [H,W] plane of channel c in x [N,C,H,W].
func (g *Graph) AddChannelBias(x, b *Var) (*Var, error) {
	if x.Value.Rank() < 2 || b.Value.Len() != x.Value.Shape[1] {
		return nil, fmt.Errorf("channel bias: %d values for shape %v", b.Value.Len(), x.Value.Shape)
	}
	out := x.Value.Clone()
	out.DType = tensor.F32
	n, c := out.Shape[0], out.Shape[1]
	inner := out.Len() / (n * c)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			plane := out.Data[(s*c+ch)*inner : (s*c+ch+1)*inner]
			v := b.Value.Data[ch]
			for i := range plane {
				plane[i] += v
			}
		}
	}
	return g.record(out, []*Var{x, b}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{gy, tensor.ChannelSum(gy)}
	}), nil
}

// ReLU returns max(x, 0).
func (g *Graph) ReLU(x *Var) *Var {
	out := x.Value.Clone()
	out.DType = tensor.F32
	for i, v := range out.Data {
		if v < 0 {
			out.Data[i] = 0
		}
	}
	xv := x.Value
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		dx := gy.Clone()
		for i, v := range xv.Data {
			if v <= 0 {
				dx.Data[i] = 0
			}
		}
		return []*tensor.Tensor{dx}
	})
}

// Hardtanh clamps x into [lo, hi]. The gradient passes only where x lies
// strictly inside the interval.
func (g *Graph) Hardtanh(x *Var, lo, hi float32) *Var {
	out := x.Value.Clone()
	out.DType = tensor.F32
	for i, v := range out.Data {
		out.Data[i] = min(max(v, lo), hi)
	}
	xv := x.Value
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		dx := gy.Clone()
		for i, v := range xv.Data {
			if v <= lo || v >= hi {
				dx.Data[i] = 0
			}
		}
		return []*tensor.Tensor{dx}
	})
}

// MaxPool2d applies square max pooling.
func (g *Graph) MaxPool2d(x *Var, kernel, stride, padding int) (*Var, error) {
	out, idx, err := tensor.MaxPool2d(x.Value, kernel, stride, padding)
	if err != nil {
		return nil, err
	}
	shape := x.Value.Shape
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{tensor.MaxPool2dBackward(gy, idx, shape)}
	}), nil
}

// GlobalAvgPool averages every spatial plane, [N,C,H,W] -> [N,C].
func (g *Graph) GlobalAvgPool(x *Var) (*Var, error) {
	out, err := tensor.GlobalAvgPool(x.Value)
	if err != nil {
		return nil, err
	}
	shape := x.Value.Shape
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{tensor.GlobalAvgPoolBackward(gy, shape)}
	}), nil
}

// Flatten reshapes x to [N, -1].
func (g *Graph) Flatten(x *Var) *Var {
	out := x.Value.Reshape(x.Value.Shape[0], -1)
	shape := x.Value.Shape
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{gy.Reshape(shape...)}
	})
}

// MulConst multiplies x element-wise by a constant tensor of the same size.
func (g *Graph) MulConst(x *Var, c *tensor.Tensor) (*Var, error) {
	if c.Len() != x.Value.Len() {
		return nil, fmt.Errorf("mul: shape mismatch %v vs %v", x.Value.Shape, c.Shape)
	}
	out := x.Value.Clone()
	out.DType = tensor.F32
	tensor.Mul(out.Data, c.Data)
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		dx := gy.Clone()
		tensor.Mul(dx.Data, c.Data)
		return []*tensor.Tensor{dx}
	}), nil
}

// Sum reduces x to a single-element tensor.
func (g *Graph) Sum(x *Var) *Var {
	out := tensor.Full(float32(tensor.Sum(x.Value.Data)), 1)
	shape := x.Value.Shape
	return g.record(out, []*Var{x}, func(gy *tensor.Tensor) []*tensor.Tensor {
		return []*tensor.Tensor{tensor.Full(gy.Data[0], shape...)}
	})
}
