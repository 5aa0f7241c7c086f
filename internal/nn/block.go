package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/quant"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// BasicBlock is the two-conv residual block of ResNet-18. When the stride or
// channel count changes, a 1x1 conv (conv3/bn3) projects the shortcut.
type BasicBlock struct {
	name     string
	net      *ResNet
	conv1    *quant.QConv2d
	bn1      *BatchNorm
	conv2    *quant.QConv2d
	bn2      *BatchNorm
	conv3    *quant.QConv2d
	bn3      *BatchNorm
	quantize *quant.ActivationQuantizer
}

func newBasicBlock(net *ResNet, name string, inplanes, planes, stride int, rng *rand.Rand) *BasicBlock {
	cfg := net.cfg
	b := &BasicBlock{
		name:     name,
		net:      net,
		conv1:    newConv(name+".conv1", inplanes, planes, 3, stride, 1, cfg.Layer, rng),
		bn1:      NewBatchNorm(name+".bn1", planes),
		conv2:    newConv(name+".conv2", planes, planes, 3, 1, 1, cfg.Layer, rng),
		bn2:      NewBatchNorm(name+".bn2", planes),
		quantize: net.newQuantizer(),
	}
	if stride != 1 || inplanes != planes {
		b.conv3 = newConv(name+".conv3", inplanes, planes, 1, stride, 0, cfg.Layer, rng)
		b.bn3 = NewBatchNorm(name+".bn3", planes)
	}
	return b
}

func (b *BasicBlock) Forward(g *autograd.Graph, x *autograd.Var) (*autograd.Var, error) {
	n := b.net
	var err error
	if n.cfg.ActBits > 0 {
		if x, err = b.quantize.Forward(g, x); err != nil {
			return nil, fmt.Errorf("%s input: %w", b.name, err)
		}
	}
	n.shape("block input", x)

	out, err := b.conv1.Forward(g, x)
	if err != nil {
		return nil, fmt.Errorf("%s.conv1: %w", b.name, err)
	}
	n.shape("conv1", out)
	if out, err = n.norm(g, b.bn1, out); err != nil {
		return nil, err
	}
	n.shape("after bn", out)
	out = n.activation(g, out)
	if n.cfg.ActBits > 0 {
		if out, err = b.quantize.Forward(g, out); err != nil {
			return nil, fmt.Errorf("%s mid: %w", b.name, err)
		}
	}

	if out, err = b.conv2.Forward(g, out); err != nil {
		return nil, fmt.Errorf("%s.conv2: %w", b.name, err)
	}
	n.shape("conv2", out)
	if out, err = n.norm(g, b.bn2, out); err != nil {
		return nil, err
	}
	n.shape("after bn", out)

	residual := x
	if b.conv3 != nil {
		if residual, err = b.conv3.Forward(g, x); err != nil {
			return nil, fmt.Errorf("%s.conv3: %w", b.name, err)
		}
		n.shape("conv3 (shortcut downsampling)", residual)
		if residual, err = n.norm(g, b.bn3, residual); err != nil {
			return nil, err
		}
	}
	if out, err = g.Add(out, residual); err != nil {
		return nil, fmt.Errorf("%s shortcut: %w", b.name, err)
	}
	n.shape("x + shortcut", out)
	return n.activation(g, out), nil
}

type convBN struct {
	conv *quant.QConv2d
	bn   *BatchNorm
}

func (b *BasicBlock) pairs() []convBN {
	p := []convBN{{b.conv1, b.bn1}, {b.conv2, b.bn2}}
	if b.conv3 != nil {
		p = append(p, convBN{b.conv3, b.bn3})
	}
	return p
}

func (b *BasicBlock) quantizers() map[string]*quant.ActivationQuantizer {
	return map[string]*quant.ActivationQuantizer{b.name + ".quantize": b.quantize}
}

// newConv builds a bias-free quantized conv with He-normal weights,
// std = sqrt(2 / (k*k*out)).
func newConv(name string, in, out, kernel, stride, padding int, cfg quant.LayerConfig, rng *rand.Rand) *quant.QConv2d {
	c := quant.NewQConv2d(name, in, out, kernel, tensor.ConvOptions{Stride: stride, Padding: padding}, false, cfg, rng)
	std := math.Sqrt(2 / float64(kernel*kernel*out))
	for i := range c.Weight.Value.Data {
		c.Weight.Value.Data[i] = float32(rng.NormFloat64() * std)
	}
	return c
}
