package nn

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/tensor"
)

const (
	bnMomentum = 0.1
	bnEps      = 1e-5
)

// BatchNorm is a 2-D batch norm layer with affine parameters and running
// statistics.
type BatchNorm struct {
	Name  string
	Gamma *autograd.Var
	Beta  *autograd.Var
	Stats *autograd.BatchNormStats
}

func NewBatchNorm(name string, channels int) *BatchNorm {
	return &BatchNorm{
		Name:  name,
		Gamma: autograd.NewParam(name+".weight", tensor.Full(1, channels)),
		Beta:  autograd.NewParam(name+".bias", tensor.New(channels)),
		Stats: &autograd.BatchNormStats{
			Mean:     tensor.New(channels),
			Var:      tensor.Full(1, channels),
			Momentum: bnMomentum,
			Eps:      bnEps,
		},
	}
}

func (b *BatchNorm) Params() []*autograd.Var { return []*autograd.Var{b.Gamma, b.Beta} }

func (b *BatchNorm) buffers(dst map[string]*tensor.Tensor) {
	dst[b.Name+".running_mean"] = b.Stats.Mean
	dst[b.Name+".running_var"] = b.Stats.Var
}

// Forward normalizes x. With merged set, only the shift
// beta - mean*gamma/sqrt(var+eps) is added; the gradient reaches beta alone.
func (b *BatchNorm) Forward(g *autograd.Graph, x *autograd.Var, training, merged bool, eps float64) (*autograd.Var, error) {
	if !merged {
		return g.BatchNorm2d(x, b.Gamma, b.Beta, b.Stats, training)
	}
	offset := tensor.New(b.Beta.Value.Len())
	for c := range offset.Data {
		inv := 1 / math.Sqrt(float64(b.Stats.Var.Data[c])+eps)
		offset.Data[c] = float32(-float64(b.Stats.Mean.Data[c]) * float64(b.Gamma.Value.Data[c]) * inv)
	}
	shift, err := g.Add(b.Beta, autograd.NewConst(offset))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name, err)
	}
	return g.AddChannelBias(x, shift)
}

// foldInto scales every output channel of w by gamma/sqrt(var+eps).
func (b *BatchNorm) foldInto(w *tensor.Tensor, eps float64) {
	out := w.Shape[0]
	per := w.Len() / out
	for o := 0; o < out; o++ {
		s := float32(float64(b.Gamma.Value.Data[o]) / math.Sqrt(float64(b.Stats.Var.Data[o])+eps))
		tensor.Scale(w.Data[o*per:(o+1)*per], s)
	}
}
