package quant

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// BiasRangePolicy selects how a quantized layer derives the range used for
// its bias.
type BiasRangePolicy int

const (
	// BiasChunked leaves the range unset so it is estimated with one chunk
	// per bias element.
	BiasChunked BiasRangePolicy = iota
	// BiasExact uses the global min and max of the bias.
	BiasExact
	// BiasFromWeight reuses the range measured on the weight.
	BiasFromWeight
)

func (p BiasRangePolicy) String() string {
	switch p {
	case BiasChunked:
		return "chunked"
	case BiasExact:
		return "exact"
	case BiasFromWeight:
		return "weight"
	default:
		return fmt.Sprintf("BiasRangePolicy(%d)", int(p))
	}
}

// ParseBiasRangePolicy maps a policy name to a BiasRangePolicy.
func ParseBiasRangePolicy(s string) (BiasRangePolicy, error) {
	switch s {
	case "", "chunked":
		return BiasChunked, nil
	case "exact":
		return BiasExact, nil
	case "weight":
		return BiasFromWeight, nil
	default:
		return 0, fmt.Errorf("%w: unknown bias range policy %q", ErrConfig, s)
	}
}

// LayerConfig configures QConv2d and QLinear. A zero NumBits leaves inputs
// in full precision; a zero NumBitsWeight leaves weights and bias in full
// precision.
type LayerConfig struct {
	NumBits       int
	NumBitsWeight int
	Biprecision   bool
	Stochastic    float64
	Debug         bool
	BiasRange     BiasRangePolicy
	// ActRange and Momentum configure the input quantizer.
	ActRange RangePolicy
	Momentum float64
}

// layer holds what QConv2d and QLinear share.
type layer struct {
	cfg    LayerConfig
	Weight *autograd.Var
	Bias   *autograd.Var
	input  *ActivationQuantizer

	Rand   *rand.Rand
	Logger logger.Logger
}

func newLayer(name string, cfg LayerConfig, weight *tensor.Tensor, fanIn int, bias bool, rng *rand.Rand) layer {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	bound := 1 / math.Sqrt(float64(fanIn))
	uniformInit(weight, bound, rng)
	l := layer{
		cfg:    cfg,
		Weight: autograd.NewParam(name+".weight", weight),
		input: NewActivationQuantizer(ActivationConfig{
			NumBits:    cfg.NumBits,
			Momentum:   cfg.Momentum,
			Stochastic: cfg.Stochastic,
			Debug:      cfg.Debug,
			Policy:     cfg.ActRange,
		}),
		Rand:   rng,
		Logger: logger.Discard(),
	}
	if bias {
		b := tensor.New(weight.Shape[0])
		uniformInit(b, bound, rng)
		l.Bias = autograd.NewParam(name+".bias", b)
	}
	return l
}

func uniformInit(t *tensor.Tensor, bound float64, rng *rand.Rand) {
	for i := range t.Data {
		t.Data[i] = float32((2*rng.Float64() - 1) * bound)
	}
}

// Params returns the trainable weight and, when present, the bias.
func (l *layer) Params() []*autograd.Var {
	if l.Bias == nil {
		return []*autograd.Var{l.Weight}
	}
	return []*autograd.Var{l.Weight, l.Bias}
}

// SetTraining switches input dither and range tracking between training and
// evaluation behaviour.
func (l *layer) SetTraining(training bool) { l.input.Training = training }

// InputQuantizer exposes the owned activation quantizer and its buffers.
func (l *layer) InputQuantizer() *ActivationQuantizer { return l.input }

// SetLogger routes debug traces of the layer and its input quantizer.
func (l *layer) SetLogger(log logger.Logger) {
	l.Logger = log
	l.input.Logger = log
}

func (l *layer) Config() LayerConfig { return l.cfg }

// quantizeOperands returns the input, weight and bias as the affine
// primitive should see them.
func (l *layer) quantizeOperands(g *autograd.Graph, x *autograd.Var) (qx, qw, qb *autograd.Var, err error) {
	qx, qw, qb = x, l.Weight, l.Bias
	l.input.Rand = l.Rand
	if l.cfg.NumBits > 0 {
		if qx, err = l.input.Forward(g, x); err != nil {
			return nil, nil, nil, fmt.Errorf("quantize input: %w", err)
		}
	}
	if l.cfg.NumBitsWeight <= 0 {
		return qx, qw, qb, nil
	}

	wr, err := ExactRange(l.Weight.Value)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("quantize %s: %w", l.Weight.Name, err)
	}
	wcfg := Config{
		NumBits:    l.cfg.NumBitsWeight,
		Stochastic: l.cfg.Stochastic,
		Debug:      l.cfg.Debug,
		Rand:       l.Rand,
		Logger:     l.Logger,
	}
	wcfg.Min, wcfg.Max = Bounds(wr.Min, wr.Max)
	if qw, err = Apply(g, l.Weight, wcfg); err != nil {
		return nil, nil, nil, fmt.Errorf("quantize %s: %w", l.Weight.Name, err)
	}

	if l.Bias != nil {
		bcfg := Config{NumBits: l.cfg.NumBitsWeight, Debug: l.cfg.Debug, Logger: l.Logger}
		switch l.cfg.BiasRange {
		case BiasExact:
			br, err := ExactRange(l.Bias.Value)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("quantize %s: %w", l.Bias.Name, err)
			}
			bcfg.Min, bcfg.Max = Bounds(br.Min, br.Max)
		case BiasFromWeight:
			bcfg.Min, bcfg.Max = Bounds(wr.Min, wr.Max)
		}
		if qb, err = Apply(g, l.Bias, bcfg); err != nil {
			return nil, nil, nil, fmt.Errorf("quantize %s: %w", l.Bias.Name, err)
		}
	}
	return qx, qw, qb, nil
}

// QConv2d is a 2-D convolution whose input, weight and bias pass through the
// quantizer before the convolution runs. With zero bit widths it behaves as
// a plain convolution.
type QConv2d struct {
	layer
	InChannels  int
	OutChannels int
	Kernel      int
	Opts        tensor.ConvOptions
}

// NewQConv2d creates a square-kernel convolution with weights drawn from
// U(-1/sqrt(fan_in), 1/sqrt(fan_in)). Parameter names are prefixed with name.
func NewQConv2d(name string, in, out, kernel int, opts tensor.ConvOptions, bias bool, cfg LayerConfig, rng *rand.Rand) *QConv2d {
	groups := max(opts.Groups, 1)
	w := tensor.New(out, in/groups, kernel, kernel)
	return &QConv2d{
		layer:       newLayer(name, cfg, w, in/groups*kernel*kernel, bias, rng),
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Opts:        opts,
	}
}

func (c *QConv2d) Forward(g *autograd.Graph, x *autograd.Var) (*autograd.Var, error) {
	if c.cfg.Debug {
		c.Logger.Debug("conv layer", "filters", c.OutChannels, "kernel", fmt.Sprintf("%dx%d", c.Kernel, c.Kernel))
	}
	qx, qw, qb, err := c.quantizeOperands(g, x)
	if err != nil {
		return nil, err
	}
	if c.cfg.Biprecision {
		return BiprecConv2d(g, qx, qw, qb, c.Opts)
	}
	return g.Conv2d(qx, qw, qb, c.Opts)
}

// QLinear is the fully connected counterpart of QConv2d.
type QLinear struct {
	layer
	InFeatures  int
	OutFeatures int
}

func NewQLinear(name string, in, out int, bias bool, cfg LayerConfig, rng *rand.Rand) *QLinear {
	return &QLinear{
		layer:       newLayer(name, cfg, tensor.New(out, in), in, bias, rng),
		InFeatures:  in,
		OutFeatures: out,
	}
}

func (l *QLinear) Forward(g *autograd.Graph, x *autograd.Var) (*autograd.Var, error) {
	if l.cfg.Debug {
		l.Logger.Debug("fully connected layer", "shape", fmt.Sprintf("%dx%d", l.InFeatures, l.OutFeatures))
	}
	qx, qw, qb, err := l.quantizeOperands(g, x)
	if err != nil {
		return nil, err
	}
	if l.cfg.Biprecision {
		return BiprecLinear(g, qx, qw, qb)
	}
	return g.Linear(qx, qw, qb)
}
