package autograd

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// SoftmaxCrossEntropy returns the mean negative log-likelihood of labels under
// softmax(logits), for logits [N,K].
func (g *Graph) SoftmaxCrossEntropy(logits *Var, labels []int) (*Var, error) {
	if logits.Value.Rank() != 2 || logits.Value.Shape[0] != len(labels) {
		return nil, fmt.Errorf("cross entropy: logits %v for %d labels", logits.Value.Shape, len(labels))
	}
	n, k := logits.Value.Shape[0], logits.Value.Shape[1]
	probs := logits.Value.Clone()
	probs.DType = tensor.F32
	var loss float64
	for i, label := range labels {
		if label < 0 || label >= k {
			return nil, fmt.Errorf("cross entropy: label %d out of range [0,%d)", label, k)
		}
		row := probs.Data[i*k : (i+1)*k]
		tensor.Softmax(row)
		loss -= math.Log(math.Max(float64(row[label]), 1e-30))
	}
	out := tensor.Full(float32(loss/float64(n)), 1)
	return g.record(out, []*Var{logits}, func(gy *tensor.Tensor) []*tensor.Tensor {
		dx := probs.Clone()
		for i, label := range labels {
			dx.Data[i*k+label]--
		}
		tensor.Scale(dx.Data, gy.Data[0]/float32(n))
		return []*tensor.Tensor{dx}
	}), nil
}
