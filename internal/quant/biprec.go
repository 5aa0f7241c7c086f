package quant

import (
	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// BiprecLinear computes x*w^T + b so that the input gradient is taken with
// the weight and bias frozen and the weight gradient with the input frozen:
//
//	out1 = f(detach(x), w, b)
//	out2 = f(x, detach(w), detach(b))
//	return out1 + out2 - detach(out1)
//
// The forward value equals f(x, w, b).
func BiprecLinear(g *autograd.Graph, x, w, b *autograd.Var) (*autograd.Var, error) {
	return biprec(g, x, w, b, g.Linear)
}

// BiprecConv2d is the convolution form of BiprecLinear.
func BiprecConv2d(g *autograd.Graph, x, w, b *autograd.Var, opts tensor.ConvOptions) (*autograd.Var, error) {
	return biprec(g, x, w, b, func(x, w, b *autograd.Var) (*autograd.Var, error) {
		return g.Conv2d(x, w, b, opts)
	})
}

type affineFunc func(x, w, b *autograd.Var) (*autograd.Var, error)

func biprec(g *autograd.Graph, x, w, b *autograd.Var, f affineFunc) (*autograd.Var, error) {
	out1, err := f(g.Detach(x), w, b)
	if err != nil {
		return nil, err
	}
	var bd *autograd.Var
	if b != nil {
		bd = g.Detach(b)
	}
	out2, err := f(x, g.Detach(w), bd)
	if err != nil {
		return nil, err
	}
	sum, err := g.Add(out1, out2)
	if err != nil {
		return nil, err
	}
	return g.Sub(sum, g.Detach(out1))
}
