package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// BatchNormStats are the running statistics of a batch-norm layer. They are
// updated in place during training-mode calls.
type BatchNormStats struct {
	Mean     *tensor.Tensor
	Var      *tensor.Tensor
	Momentum float64
	Eps      float64
}

// BatchNorm2d normalizes x [N,C,H,W] per channel. In training mode it uses
// batch statistics and updates stats; otherwise it uses stats.
func (g *Graph) BatchNorm2d(x, gamma, beta *Var, stats *BatchNormStats, training bool) (*Var, error) {
	if x.Value.Rank() != 4 {
		return nil, fmt.Errorf("batchnorm: want 4-D input, got %v", x.Value.Shape)
	}
	n, c := x.Value.Shape[0], x.Value.Shape[1]
	area := x.Value.Shape[2] * x.Value.Shape[3]
	if gamma.Value.Len() != c || beta.Value.Len() != c {
		return nil, fmt.Errorf("batchnorm: affine params have %d/%d values, want %d", gamma.Value.Len(), beta.Value.Len(), c)
	}
	m := n * area

	mean := make([]float64, c)
	variance := make([]float64, c)
	if training {
		for ch := 0; ch < c; ch++ {
			var s, ss float64
			for smp := 0; smp < n; smp++ {
				for _, v := range x.Value.Data[(smp*c+ch)*area : (smp*c+ch+1)*area] {
					s += float64(v)
					ss += float64(v) * float64(v)
				}
			}
			mu := s / float64(m)
			mean[ch] = mu
			variance[ch] = max(ss/float64(m)-mu*mu, 0)

			unbiased := variance[ch]
			if m > 1 {
				unbiased = variance[ch] * float64(m) / float64(m-1)
			}
			mom := stats.Momentum
			stats.Mean.Data[ch] = float32((1-mom)*float64(stats.Mean.Data[ch]) + mom*mu)
			stats.Var.Data[ch] = float32((1-mom)*float64(stats.Var.Data[ch]) + mom*unbiased)
		}
	} else {
		for ch := 0; ch < c; ch++ {
			mean[ch] = float64(stats.Mean.Data[ch])
			variance[ch] = float64(stats.Var.Data[ch])
		}
	}

	invStd := make([]float64, c)
	for ch := range invStd {
		invStd[ch] = 1 / math.Sqrt(variance[ch]+stats.Eps)
	}

	xhat := x.Value.ZerosLike()
	out := x.Value.ZerosLike()
	for smp := 0; smp < n; smp++ {
		for ch := 0; ch < c; ch++ {
			base := (smp*c + ch) * area
			gm, bt := gamma.Value.Data[ch], beta.Value.Data[ch]
			for i := base; i < base+area; i++ {
				h := float32((float64(x.Value.Data[i]) - mean[ch]) * invStd[ch])
				xhat.Data[i] = h
				out.Data[i] = gm*h + bt
			}
		}
	}

	gv := gamma.Value
	return g.record(out, []*Var{x, gamma, beta}, func(gy *tensor.Tensor) []*tensor.Tensor {
		dgamma := tensor.New(c)
		dbeta := tensor.New(c)
		sumDy := make([]float64, c)
		sumDyXhat := make([]float64, c)
		for smp := 0; smp < n; smp++ {
			for ch := 0; ch < c; ch++ {
				base := (smp*c + ch) * area
				for i := base; i < base+area; i++ {
					sumDy[ch] += float64(gy.Data[i])
					sumDyXhat[ch] += float64(gy.Data[i]) * float64(xhat.Data[i])
				}
			}
		}
		for ch := 0; ch < c; ch++ {
			dgamma.Data[ch] = float32(sumDyXhat[ch])
			dbeta.Data[ch] = float32(sumDy[ch])
		}

		var dx *tensor.Tensor
		if x.requiresGrad {
			dx = x.Value.ZerosLike()
			for smp := 0; smp < n; smp++ {
				for ch := 0; ch < c; ch++ {
					base := (smp*c + ch) * area
					scale := float64(gv.Data[ch]) * invStd[ch]
					for i := base; i < base+area; i++ {
						if !training {
							dx.Data[i] = float32(float64(gy.Data[i]) * scale)
							continue
						}
						v := float64(m)*float64(gy.Data[i]) - sumDy[ch] - float64(xhat.Data[i])*sumDyXhat[ch]
						dx.Data[i] = float32(scale * v / float64(m))
					}
				}
			}
		}
		return []*tensor.Tensor{dx, dgamma, dbeta}
	}), nil
}
