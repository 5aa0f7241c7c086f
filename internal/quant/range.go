package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// Range is a closed value interval [Min, Max].
type Range struct {
	Min, Max float64
}

func (r Range) validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) || math.IsInf(r.Min, 0) || math.IsInf(r.Max, 0) {
		return fmt.Errorf("%w: non-finite range [%g, %g]", ErrRange, r.Min, r.Max)
	}
	if r.Min > r.Max {
		return fmt.Errorf("%w: min %g exceeds max %g", ErrRange, r.Min, r.Max)
	}
	return nil
}

// Contains reports whether v lies inside the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// EstimateRange splits t into numChunks equal rows along its leading axis,
// takes every row's min and max, and returns the mean row minimum and mean
// row maximum. numChunks <= 0 selects the leading dimension, i.e. one chunk
// per sample.
func EstimateRange(t *tensor.Tensor, numChunks int) (Range, error) {
	if t == nil || t.Len() == 0 {
		return Range{}, fmt.Errorf("%w: cannot estimate the range of an empty tensor", ErrShape)
	}
	lead := 1
	if t.Rank() > 0 {
		lead = t.Shape[0]
	}
	if numChunks <= 0 {
		numChunks = lead
	}
	if lead%numChunks != 0 {
		return Range{}, fmt.Errorf("%w: leading dimension %d is not divisible into %d chunks", ErrShape, lead, numChunks)
	}

	per := t.Len() / numChunks
	var sumMin, sumMax float64
	for c := 0; c < numChunks; c++ {
		lo, hi := tensor.MinMax(t.Data[c*per : (c+1)*per])
		sumMin += float64(lo)
		sumMax += float64(hi)
	}
	return Range{
		Min: sumMin / float64(numChunks),
		Max: sumMax / float64(numChunks),
	}, nil
}

// ExactRange returns the global min and max of a non-empty tensor.
func ExactRange(t *tensor.Tensor) (Range, error) {
	if t == nil || t.Len() == 0 {
		return Range{}, fmt.Errorf("%w: cannot take the range of an empty tensor", ErrShape)
	}
	lo, hi := t.MinMax()
	return Range{Min: float64(lo), Max: float64(hi)}, nil
}
