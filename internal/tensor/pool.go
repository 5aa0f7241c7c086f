package tensor

import (
	"fmt"
	"math"
)

// MaxPool2d applies max pooling over [N,C,H,W] with a square window. Padded
// positions never win. The returned index slice records, for every output
// element, the flat input offset that produced it.
func MaxPool2d(x *Tensor, kernel, stride, padding int) (*Tensor, []int32, error) {
	if x.Rank() != 4 {
		return nil, nil, fmt.Errorf("maxpool2d: want 4-D input, got %v", x.Shape)
	}
	if stride <= 0 {
		stride = kernel
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh := (h+2*padding-kernel)/stride + 1
	ow := (w+2*padding-kernel)/stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, nil, fmt.Errorf("maxpool2d: input %dx%d too small for window %d", h, w, kernel)
	}
	out := New(n, c, oh, ow)
	idx := make([]int32, out.Len())
	o := 0
	for p := 0; p < n*c; p++ {
		base := p * h * w
		for y := 0; y < oh; y++ {
			for xx := 0; xx < ow; xx++ {
				best := float32(math.Inf(-1))
				bestAt := -1
				for ki := 0; ki < kernel; ki++ {
					iy := y*stride - padding + ki
					if iy < 0 || iy >= h {
						continue
					}
					for kj := 0; kj < kernel; kj++ {
						ix := xx*stride - padding + kj
						if ix < 0 || ix >= w {
							continue
						}
						at := base + iy*w + ix
						if bestAt < 0 || x.Data[at] > best {
							best = x.Data[at]
							bestAt = at
						}
					}
				}
				out.Data[o] = best
				idx[o] = int32(bestAt)
				o++
			}
		}
	}
	return out, idx, nil
}

// MaxPool2dBackward routes dy back to the winning input positions.
func MaxPool2dBackward(dy *Tensor, idx []int32, inShape []int) *Tensor {
	dx := New(inShape...)
	for i, at := range idx {
		if at >= 0 {
			dx.Data[at] += dy.Data[i]
		}
	}
	return dx
}

// GlobalAvgPool averages each [H,W] plane of a [N,C,H,W] tensor into [N,C].
func GlobalAvgPool(x *Tensor) (*Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("avgpool: want 4-D input, got %v", x.Shape)
	}
	n, c := x.Shape[0], x.Shape[1]
	area := x.Shape[2] * x.Shape[3]
	out := New(n, c)
	inv := 1 / float64(area)
	for p := 0; p < n*c; p++ {
		out.Data[p] = float32(Sum(x.Data[p*area:(p+1)*area]) * inv)
	}
	return out, nil
}

// GlobalAvgPoolBackward spreads dy [N,C] evenly across each input plane.
func GlobalAvgPoolBackward(dy *Tensor, inShape []int) *Tensor {
	dx := New(inShape...)
	area := inShape[2] * inShape[3]
	inv := float32(1 / float64(area))
	for p, g := range dy.Data {
		plane := dx.Data[p*area : (p+1)*area]
		for i := range plane {
			plane[i] = g * inv
		}
	}
	return dx
}
