package quant

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// activationChunks is the chunk count handed to Quantize by the activation
// path. The range is always explicit there, so it only matters if a caller
// clears it.
const activationChunks = 16

// RangePolicy selects how an ActivationQuantizer derives its range.
type RangePolicy int

const (
	// PolicyExact uses the global min and max of every input and leaves the
	// running buffers untouched.
	PolicyExact RangePolicy = iota
	// PolicyMovingAverage estimates a per-sample chunked range in training
	// mode, folds it into the running buffers, and uses the buffers in
	// evaluation mode.
	PolicyMovingAverage
)

func (p RangePolicy) String() string {
	switch p {
	case PolicyExact:
		return "exact"
	case PolicyMovingAverage:
		return "moving-average"
	default:
		return fmt.Sprintf("RangePolicy(%d)", int(p))
	}
}

// ParseRangePolicy maps a policy name to a RangePolicy.
func ParseRangePolicy(s string) (RangePolicy, error) {
	switch s {
	case "", "exact":
		return PolicyExact, nil
	case "moving-average", "ema":
		return PolicyMovingAverage, nil
	default:
		return 0, fmt.Errorf("%w: unknown activation range policy %q", ErrConfig, s)
	}
}

type ActivationConfig struct {
	NumBits    int
	Momentum   float64
	Stochastic float64
	Debug      bool
	Policy     RangePolicy
}

// DefaultActivationConfig returns 8 bits, momentum 0.1 and dither 0.5.
func DefaultActivationConfig() ActivationConfig {
	return ActivationConfig{NumBits: 8, Momentum: 0.1, Stochastic: 0.5}
}

// ActivationQuantizer quantizes activations with a range measured from the
// activations themselves. It is not safe for concurrent use: Forward may
// update the running buffers.
type ActivationQuantizer struct {
	cfg ActivationConfig

	// RunningMin and RunningMax are single-element buffers, zero until the
	// moving-average policy updates them.
	RunningMin *tensor.Tensor
	RunningMax *tensor.Tensor
	Training   bool

	Rand   *rand.Rand
	Logger logger.Logger
}

func NewActivationQuantizer(cfg ActivationConfig) *ActivationQuantizer {
	return &ActivationQuantizer{
		cfg:        cfg,
		RunningMin: tensor.New(1),
		RunningMax: tensor.New(1),
		Training:   true,
	}
}

func (q *ActivationQuantizer) Config() ActivationConfig { return q.cfg }

// Forward quantizes x. Owners bypass the call when NumBits <= 0; reaching
// Forward with a disabled bit width is reported as ErrConfig.
func (q *ActivationQuantizer) Forward(g *autograd.Graph, x *autograd.Var) (*autograd.Var, error) {
	if q.cfg.NumBits <= 0 {
		return nil, fmt.Errorf("%w: activation quantizer called with num_bits %d", ErrConfig, q.cfg.NumBits)
	}
	r, err := q.measure(x)
	if err != nil {
		return nil, err
	}
	stoch := 0.0
	if q.Training {
		stoch = q.cfg.Stochastic
	}
	cfg := Config{
		NumBits:    q.cfg.NumBits,
		NumChunks:  activationChunks,
		Stochastic: stoch,
		Debug:      q.cfg.Debug,
		Rand:       q.Rand,
		Logger:     q.Logger,
	}
	cfg.Min, cfg.Max = Bounds(r.Min, r.Max)
	return Apply(g, x, cfg)
}

func (q *ActivationQuantizer) measure(x *autograd.Var) (Range, error) {
	switch q.cfg.Policy {
	case PolicyMovingAverage:
		if !q.Training {
			return Range{Min: float64(q.RunningMin.Data[0]), Max: float64(q.RunningMax.Data[0])}, nil
		}
		r, err := EstimateRange(x.Value, 0)
		if err != nil {
			return Range{}, err
		}
		m := q.cfg.Momentum
		q.RunningMin.Data[0] = float32(float64(q.RunningMin.Data[0])*m + r.Min*(1-m))
		q.RunningMax.Data[0] = float32(float64(q.RunningMax.Data[0])*m + r.Max*(1-m))
		return r, nil
	default:
		return ExactRange(x.Value)
	}
}
