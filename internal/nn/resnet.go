// Package nn builds the residual image classifier trained by qtrain.
//
// The network follows ResNet-18: a 7x7 stride-2 stem with max pooling, four
// stages of two BasicBlocks, global average pooling and a linear classifier.
// Every conv and the classifier are quant layers, so a NetConfig with zero
// bit widths yields a plain full-precision network.
package nn

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/quant"
	"github.com/samcharles93/qtrain/internal/tensor"
)

const Arch = "resnet18"

type ResNet struct {
	cfg      NetConfig
	conv1    *quant.QConv2d
	bn1      *BatchNorm
	quantize *quant.ActivationQuantizer
	stages   [4][2]*BasicBlock
	fc       *quant.QLinear

	rng         *rand.Rand
	log         logger.Logger
	training    bool
	printShapes bool
}

// NewResNet18 builds the network described by cfg. Weights are drawn from a
// source seeded with cfg.Seed, so equal configs give equal networks.
func NewResNet18(cfg NetConfig, log logger.Logger) (*ResNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &ResNet{
		cfg:         cfg,
		rng:         rng,
		log:         log,
		training:    true,
		printShapes: cfg.PrintShapes,
	}
	w := cfg.Width
	m.conv1 = newConv("conv1", cfg.InChannels, w, 7, 2, 3, cfg.Layer, rng)
	m.bn1 = NewBatchNorm("bn1", w)
	m.quantize = m.newQuantizer()

	inplanes := w
	for s := range m.stages {
		planes := w << s
		stride := 2
		if s == 0 {
			stride = 1
		}
		name := fmt.Sprintf("layer%d", s+1)
		m.stages[s][0] = newBasicBlock(m, name+".0", inplanes, planes, stride, rng)
		m.stages[s][1] = newBasicBlock(m, name+".1", planes, planes, 1, rng)
		inplanes = planes
	}
	m.fc = quant.NewQLinear("fc", inplanes, cfg.NumClasses, true, cfg.Layer, rng)

	for _, c := range m.convs() {
		c.conv.SetLogger(log)
	}
	m.fc.SetLogger(log)
	return m, nil
}

func (m *ResNet) Config() NetConfig { return m.cfg }

func (m *ResNet) newQuantizer() *quant.ActivationQuantizer {
	q := quant.NewActivationQuantizer(quant.ActivationConfig{
		NumBits:    m.cfg.ActBits,
		Momentum:   m.cfg.Momentum,
		Stochastic: m.cfg.Stochastic,
		Debug:      m.cfg.DebugQuant,
		Policy:     m.cfg.ActRange,
	})
	q.Rand = m.rng
	q.Logger = m.log
	return q
}

// Forward runs a batch [N,C,H,W] through the network and returns logits
// [N,NumClasses]. Shapes are logged on the first call when PrintShapes is set.
func (m *ResNet) Forward(g *autograd.Graph, images *tensor.Tensor) (*autograd.Var, error) {
	defer func() { m.printShapes = false }()

	x := autograd.NewConst(images)
	m.shape("RGB input", x)
	var err error
	if m.cfg.ActBits > 0 {
		if x, err = m.quantize.Forward(g, x); err != nil {
			return nil, fmt.Errorf("stem input: %w", err)
		}
	}
	if x, err = m.conv1.Forward(g, x); err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	m.shape("first conv", x)
	if x, err = m.norm(g, m.bn1, x); err != nil {
		return nil, err
	}
	m.shape("after bn", x)
	x = m.activation(g, x)
	if x, err = g.MaxPool2d(x, 3, 2, 1); err != nil {
		return nil, fmt.Errorf("maxpool: %w", err)
	}
	m.shape("after max pooling", x)

	for s, stage := range m.stages {
		if s > 0 && m.printShapes {
			m.log.Info("downsampling the input")
		}
		for _, b := range stage {
			if x, err = b.Forward(g, x); err != nil {
				return nil, err
			}
		}
	}

	if x, err = g.GlobalAvgPool(x); err != nil {
		return nil, fmt.Errorf("avgpool: %w", err)
	}
	m.shape("after avg pooling", x)
	x = g.Flatten(x)
	m.shape("reshaped", x)
	if m.cfg.ActBits > 0 {
		if x, err = m.quantize.Forward(g, x); err != nil {
			return nil, fmt.Errorf("classifier input: %w", err)
		}
	}
	if x, err = m.fc.Forward(g, x); err != nil {
		return nil, fmt.Errorf("fc: %w", err)
	}
	m.shape("output", x)
	return x, nil
}

func (m *ResNet) shape(stage string, x *autograd.Var) {
	if m.printShapes {
		m.log.Info("shape", "stage", stage, "shape", fmt.Sprint(x.Value.Shape))
	}
}

func (m *ResNet) norm(g *autograd.Graph, bn *BatchNorm, x *autograd.Var) (*autograd.Var, error) {
	out, err := bn.Forward(g, x, m.training, m.cfg.MergeBN, m.cfg.Eps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", bn.Name, err)
	}
	return out, nil
}

func (m *ResNet) activation(g *autograd.Graph, x *autograd.Var) *autograd.Var {
	if m.cfg.ActMax > 0 {
		return g.Hardtanh(x, 0, float32(m.cfg.ActMax))
	}
	return g.ReLU(x)
}

func (m *ResNet) convs() []convBN {
	out := []convBN{{m.conv1, m.bn1}}
	for _, stage := range m.stages {
		for _, b := range stage {
			out = append(out, b.pairs()...)
		}
	}
	return out
}

func (m *ResNet) quantizers() map[string]*quant.ActivationQuantizer {
	out := map[string]*quant.ActivationQuantizer{"quantize": m.quantize}
	for _, stage := range m.stages {
		for _, b := range stage {
			for k, v := range b.quantizers() {
				out[k] = v
			}
		}
	}
	return out
}

// SetTraining switches batch norm between batch and running statistics and
// turns activation dither on or off.
func (m *ResNet) SetTraining(training bool) {
	m.training = training
	for _, q := range m.quantizers() {
		q.Training = training
	}
	for _, c := range m.convs() {
		c.conv.SetTraining(training)
	}
	m.fc.SetTraining(training)
}

func (m *ResNet) Training() bool { return m.training }

// Params returns the trainable parameters in a fixed order.
func (m *ResNet) Params() []*autograd.Var {
	var out []*autograd.Var
	for _, c := range m.convs() {
		out = append(out, c.conv.Params()...)
		out = append(out, c.bn.Params()...)
	}
	return append(out, m.fc.Params()...)
}

// Buffers returns the non-trainable state by name: batch norm running
// statistics and the activation quantizers' running range. The tensors are
// live; writing to them changes the model.
func (m *ResNet) Buffers() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, c := range m.convs() {
		c.bn.buffers(out)
	}
	for name, q := range m.quantizers() {
		out[name+".running_min"] = q.RunningMin
		out[name+".running_max"] = q.RunningMax
	}
	return out
}

// State returns parameters and buffers by name.
func (m *ResNet) State() map[string]*tensor.Tensor {
	out := m.Buffers()
	for _, p := range m.Params() {
		out[p.Name] = p.Value
	}
	return out
}

// StateNames returns the keys of State in sorted order.
func (m *ResNet) StateNames() []string {
	state := m.State()
	names := make([]string, 0, len(state))
	for k := range state {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NumParams counts trainable scalars.
func (m *ResNet) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += p.Value.Len()
	}
	return n
}

// MergeBatchNorm folds each batch norm scale gamma/sqrt(running_var+eps)
// into the weights of the conv that feeds it. Run it once, after loading
// trained weights, on a network built with MergeBN.
func (m *ResNet) MergeBatchNorm() {
	for _, c := range m.convs() {
		c.bn.foldInto(c.conv.Weight.Value, m.cfg.Eps)
	}
	m.log.Info("merged batch norm into conv weights", "layers", len(m.convs()))
}
