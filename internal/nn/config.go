package nn

import (
	"errors"
	"fmt"

	"github.com/samcharles93/qtrain/internal/quant"
)

// ErrConfig reports an invalid network configuration.
var ErrConfig = errors.New("nn: invalid config")

// NetConfig carries every switch that shapes the network. It is built once
// by the caller and threaded through construction; layers never consult
// process-wide state.
type NetConfig struct {
	// Width is the channel count of the first stage. 64 gives ResNet-18.
	Width      int
	NumClasses int
	InChannels int

	// ActMax > 0 replaces ReLU with Hardtanh(0, ActMax).
	ActMax float64
	// ActBits quantizes block inputs, the stem input and the classifier
	// input. Zero disables activation quantization.
	ActBits    int
	ActRange   quant.RangePolicy
	Momentum   float64
	Stochastic float64

	// MergeBN applies batch norm as a per-channel shift only. The scale is
	// expected to have been folded into the conv weights by MergeBatchNorm.
	MergeBN bool
	Eps     float64

	// Layer configures the quantized conv and fc layers.
	Layer quant.LayerConfig

	DebugQuant  bool
	PrintShapes bool
	Seed        int64
}

// DefaultNetConfig returns ResNet-18 for 1000 RGB classes with no
// quantization.
func DefaultNetConfig() NetConfig {
	return NetConfig{
		Width:      64,
		NumClasses: 1000,
		InChannels: 3,
		Momentum:   0.1,
		Stochastic: 0.5,
		Eps:        1e-7,
		Seed:       1,
	}
}

func (c NetConfig) Validate() error {
	switch {
	case c.Width <= 0:
		return fmt.Errorf("%w: width must be positive, got %d", ErrConfig, c.Width)
	case c.NumClasses <= 0:
		return fmt.Errorf("%w: num classes must be positive, got %d", ErrConfig, c.NumClasses)
	case c.InChannels <= 0:
		return fmt.Errorf("%w: in channels must be positive, got %d", ErrConfig, c.InChannels)
	case c.ActBits < 0 || c.Layer.NumBits < 0 || c.Layer.NumBitsWeight < 0:
		return fmt.Errorf("%w: bit widths must not be negative", ErrConfig)
	case c.Stochastic < 0 || c.Stochastic > 1:
		return fmt.Errorf("%w: stochastic must lie in [0,1], got %g", ErrConfig, c.Stochastic)
	case c.MergeBN && c.Eps <= 0:
		return fmt.Errorf("%w: merge_bn needs a positive eps", ErrConfig)
	}
	return nil
}
