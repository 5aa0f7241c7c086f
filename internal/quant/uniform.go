// Package quant simulates low bit-width fixed-point arithmetic inside a
// float32 training graph.
//
// Quantize maps a tensor onto 2^NumBits evenly spaced levels and back, so the
// result keeps the input's shape and storage type while only taking the
// representable values. Apply registers the same transform with the autograd
// tape using a straight-through gradient: the backward pass treats the
// operator as the identity.
package quant

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// MinScale is the floor applied to the quantization step. A tensor with no
// dynamic range quantizes with this step instead of dividing by zero.
const MinScale = 1e-6

// debugSample is the number of leading values printed by debug tracing.
const debugSample = 8

// Config holds the parameters of one quantization call.
type Config struct {
	// NumBits is the simulated bit width. It must be positive.
	NumBits int
	// Min and Max fix the quantization range. A nil bound is estimated with
	// EstimateRange over NumChunks chunks.
	Min, Max  *float64
	NumChunks int
	// Stochastic is the amplitude of uniform dither added before rounding,
	// in [0, 1]. Zero rounds deterministically.
	Stochastic float64
	// Inplace permits Quantize to overwrite the input's storage and return
	// the input tensor itself. The caller must not read the previous
	// contents afterwards.
	Inplace bool
	// EnforceTrueZero places zero exactly on an integer code.
	EnforceTrueZero bool
	// OutHalf rounds the output to binary16 precision when NumBits <= 16.
	OutHalf bool
	Debug   bool
	// Rand supplies dither noise. Nil uses the math/rand global source.
	Rand *rand.Rand
	// Logger receives debug traces. Nil uses logger.Default when Debug is set.
	Logger logger.Logger
}

// Bounds returns a pointer pair suitable for Config.Min and Config.Max.
func Bounds(lo, hi float64) (*float64, *float64) {
	return &lo, &hi
}

// Params describes the affine map used by one Quantize call.
type Params struct {
	Min, Max   float64
	Scale      float64
	ZeroPoint  float64
	QMin, QMax float64
}

// Levels returns the number of representable values.
func (p Params) Levels() int {
	return int(p.QMax-p.QMin) + 1
}

// Scale returns the quantization step for range [lo, hi] at the given bit
// width, floored at MinScale.
func Scale(lo, hi float64, bits int) float64 {
	qmax := math.Exp2(float64(bits)) - 1
	return math.Max((hi-lo)/qmax, MinScale)
}

func (c Config) validate() error {
	if c.NumBits <= 0 {
		return fmt.Errorf("%w: num_bits must be positive, got %d", ErrConfig, c.NumBits)
	}
	if math.IsNaN(c.Stochastic) || c.Stochastic < 0 || c.Stochastic > 1 {
		return fmt.Errorf("%w: stochastic must lie in [0,1], got %g", ErrConfig, c.Stochastic)
	}
	return nil
}

// resolveRange fills any missing bound from the tensor.
func (c Config) resolveRange(x *tensor.Tensor) (Range, error) {
	var r Range
	if c.Min == nil || c.Max == nil {
		est, err := EstimateRange(x, c.NumChunks)
		if err != nil {
			return Range{}, err
		}
		r = est
	}
	if c.Min != nil {
		r.Min = *c.Min
	}
	if c.Max != nil {
		r.Max = *c.Max
	}
	return r, r.validate()
}

// Quantize simulates NumBits-wide uniform quantization of x: normalize into
// [0, 2^NumBits-1], optionally dither, clamp, round half to even, and map
// back. The returned Params describe the map that was used.
func Quantize(x *tensor.Tensor, cfg Config) (*tensor.Tensor, Params, error) {
	if err := cfg.validate(); err != nil {
		return nil, Params{}, err
	}
	r, err := cfg.resolveRange(x)
	if err != nil {
		return nil, Params{}, err
	}

	p := Params{
		Min:  r.Min,
		Max:  r.Max,
		QMin: 0,
		QMax: math.Exp2(float64(cfg.NumBits)) - 1,
	}
	p.Scale = math.Max((p.Max-p.Min)/(p.QMax-p.QMin), MinScale)
	if cfg.EnforceTrueZero {
		zp := p.QMin - p.Min/p.Scale
		p.ZeroPoint = math.Trunc(math.Min(math.Max(zp, p.QMin), p.QMax))
	}

	var log logger.Logger
	if cfg.Debug {
		log = cfg.Logger
		if log == nil {
			log = logger.Default()
		}
		actualMax := math.NaN()
		if x.Len() > 0 {
			_, hi := x.MinMax()
			actualMax = float64(hi)
		}
		log.Debug("quantize",
			"num_bits", cfg.NumBits,
			"qmin", p.QMin,
			"qmax", p.QMax,
			"min", p.Min,
			"max", p.Max,
			"actual_max", actualMax,
			"input", sample(x.Data),
		)
	}

	out := x
	if !cfg.Inplace {
		out = x.Clone()
	}
	out.DType = tensor.F32

	noise := func() float64 { return 0 }
	if cfg.Stochastic > 0 {
		uniform := rand.Float64
		if cfg.Rand != nil {
			uniform = cfg.Rand.Float64
		}
		amp := cfg.Stochastic
		noise = func() float64 { return (2*uniform() - 1) * amp }
	}

	for i, v := range out.Data {
		var q float64
		if cfg.EnforceTrueZero {
			q = float64(v)/p.Scale + p.ZeroPoint
		} else {
			q = (float64(v)-p.Min)/p.Scale + p.QMin
		}
		q += noise()
		q = math.RoundToEven(math.Min(math.Max(q, p.QMin), p.QMax))
		if cfg.EnforceTrueZero {
			out.Data[i] = float32((q - p.ZeroPoint) * p.Scale)
		} else {
			out.Data[i] = float32((q-p.QMin)*p.Scale + p.Min)
		}
	}

	if cfg.OutHalf && cfg.NumBits <= 16 {
		out.NarrowF16()
	}
	if log != nil {
		log.Debug("quantized", "scale", p.Scale, "zero_point", p.ZeroPoint, "output", sample(out.Data))
	}
	return out, p, nil
}

func sample(v []float32) []float32 {
	if len(v) > debugSample {
		v = v[:debugSample]
	}
	return append([]float32(nil), v...)
}

// straightThrough is the autograd form of Quantize.
type straightThrough struct {
	cfg Config
}

func (f straightThrough) Forward(in []*tensor.Tensor) (*tensor.Tensor, error) {
	out, _, err := Quantize(in[0], f.cfg)
	return out, err
}

// Backward passes the upstream gradient through unchanged, regardless of
// the clamping and rounding applied in the forward pass.
func (straightThrough) Backward(gy *tensor.Tensor, _ []*tensor.Tensor) []*tensor.Tensor {
	return []*tensor.Tensor{gy}
}

// Apply quantizes x on the tape. The gradient with respect to x equals the
// gradient with respect to the result; configuration values are not graph
// inputs and never receive one. With cfg.Inplace the result shares x's
// storage and x.Value holds the quantized values afterwards.
func Apply(g *autograd.Graph, x *autograd.Var, cfg Config) (*autograd.Var, error) {
	return g.Apply(straightThrough{cfg: cfg}, x)
}
