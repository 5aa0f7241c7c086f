package tensor

import "fmt"

// ConvOptions holds the structural parameters of a 2-D convolution. Zero
// Stride, Dilation and Groups are treated as 1.
type ConvOptions struct {
	Stride   int
	Padding  int
	Dilation int
	Groups   int
}

func (o ConvOptions) normalized() ConvOptions {
	if o.Stride <= 0 {
		o.Stride = 1
	}
	if o.Dilation <= 0 {
		o.Dilation = 1
	}
	if o.Groups <= 0 {
		o.Groups = 1
	}
	return o
}

// ConvOutputSize returns the spatial output extent for one axis.
func ConvOutputSize(in, kernel int, o ConvOptions) int {
	o = o.normalized()
	return (in+2*o.Padding-o.Dilation*(kernel-1)-1)/o.Stride + 1
}

type convGeom struct {
	n, c, h, w     int
	o, kh, kw      int
	oh, ow         int
	groups, cg, og int
	colRows        int
	opts           ConvOptions
}

func newConvGeom(x, w *Tensor, opts ConvOptions) (convGeom, error) {
	opts = opts.normalized()
	if x.Rank() != 4 || w.Rank() != 4 {
		return convGeom{}, fmt.Errorf("conv2d: want 4-D input and weight, got %v and %v", x.Shape, w.Shape)
	}
	g := convGeom{
		n: x.Shape[0], c: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		o: w.Shape[0], kh: w.Shape[2], kw: w.Shape[3],
		groups: opts.Groups,
		opts:   opts,
	}
	if g.c%g.groups != 0 || g.o%g.groups != 0 {
		return convGeom{}, fmt.Errorf("conv2d: channels %d/%d not divisible by groups %d", g.c, g.o, g.groups)
	}
	g.cg = g.c / g.groups
	g.og = g.o / g.groups
	if w.Shape[1] != g.cg {
		return convGeom{}, fmt.Errorf("conv2d: weight expects %d input channels per group, input has %d", w.Shape[1], g.cg)
	}
	g.oh = ConvOutputSize(g.h, g.kh, opts)
	g.ow = ConvOutputSize(g.w, g.kw, opts)
	if g.oh <= 0 || g.ow <= 0 {
		return convGeom{}, fmt.Errorf("conv2d: input %dx%d too small for kernel %dx%d", g.h, g.w, g.kh, g.kw)
	}
	g.colRows = g.cg * g.kh * g.kw
	return g, nil
}

// im2col unrolls the receptive fields of one sample's channel group into a
// [cg*kh*kw, oh*ow] matrix.
func (g *convGeom) im2col(col, src []float32) {
	cols := g.oh * g.ow
	for c := 0; c < g.cg; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				r := (c*g.kh+ki)*g.kw + kj
				dst := col[r*cols : (r+1)*cols]
				for y := 0; y < g.oh; y++ {
					iy := y*g.opts.Stride - g.opts.Padding + ki*g.opts.Dilation
					for x := 0; x < g.ow; x++ {
						ix := x*g.opts.Stride - g.opts.Padding + kj*g.opts.Dilation
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							dst[y*g.ow+x] = 0
							continue
						}
						dst[y*g.ow+x] = plane[iy*g.w+ix]
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back onto one sample's channel group,
// accumulating overlapping contributions.
func (g *convGeom) col2im(dst, col []float32) {
	cols := g.oh * g.ow
	for c := 0; c < g.cg; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.kh; ki++ {
			for kj := 0; kj < g.kw; kj++ {
				r := (c*g.kh+ki)*g.kw + kj
				src := col[r*cols : (r+1)*cols]
				for y := 0; y < g.oh; y++ {
					iy := y*g.opts.Stride - g.opts.Padding + ki*g.opts.Dilation
					if iy < 0 || iy >= g.h {
						continue
					}
					for x := 0; x < g.ow; x++ {
						ix := x*g.opts.Stride - g.opts.Padding + kj*g.opts.Dilation
						if ix < 0 || ix >= g.w {
							continue
						}
						plane[iy*g.w+ix] += src[y*g.ow+x]
					}
				}
			}
		}
	}
}

// Conv2d computes the cross-correlation of x [N,C,H,W] with w [O,C/groups,KH,KW]
// plus an optional per-output-channel bias [O].
func Conv2d(x, w, bias *Tensor, opts ConvOptions) (*Tensor, error) {
	g, err := newConvGeom(x, w, opts)
	if err != nil {
		return nil, err
	}
	if bias != nil && bias.Len() != g.o {
		return nil, fmt.Errorf("conv2d: bias has %d elements, want %d", bias.Len(), g.o)
	}
	out := New(g.n, g.o, g.oh, g.ow)
	cols := g.oh * g.ow
	col := make([]float32, g.colRows*cols)
	for s := 0; s < g.n; s++ {
		for gi := 0; gi < g.groups; gi++ {
			src := x.Data[(s*g.c+gi*g.cg)*g.h*g.w:]
			g.im2col(col, src)
			dst := out.Data[(s*g.o+gi*g.og)*cols:]
			Gemm(GemmArgs{
				M: g.og, N: cols, K: g.colRows,
				Alpha: 1,
				A:     w.Data[gi*g.og*g.colRows:], Lda: g.colRows,
				B: col, Ldb: cols,
				C: dst, Ldc: cols,
			})
		}
		if bias != nil {
			for o := 0; o < g.o; o++ {
				plane := out.Data[(s*g.o+o)*cols : (s*g.o+o+1)*cols]
				b := bias.Data[o]
				for i := range plane {
					plane[i] += b
				}
			}
		}
	}
	return out, nil
}

// Conv2dBackward returns the gradients of a Conv2d call with respect to its
// input and weight given the upstream gradient dy [N,O,OH,OW]. Either result
// is skipped (nil) when the corresponding want flag is false.
func Conv2dBackward(dy, x, w *Tensor, opts ConvOptions, wantX, wantW bool) (dx, dw *Tensor, err error) {
	g, err := newConvGeom(x, w, opts)
	if err != nil {
		return nil, nil, err
	}
	cols := g.oh * g.ow
	col := make([]float32, g.colRows*cols)
	if wantX {
		dx = x.ZerosLike()
	}
	if wantW {
		dw = w.ZerosLike()
	}
	for s := 0; s < g.n; s++ {
		for gi := 0; gi < g.groups; gi++ {
			dySlice := dy.Data[(s*g.o+gi*g.og)*cols:]
			wSlice := w.Data[gi*g.og*g.colRows:]
			if wantW {
				g.im2col(col, x.Data[(s*g.c+gi*g.cg)*g.h*g.w:])
				Gemm(GemmArgs{
					TransB: true,
					M:      g.og, N: g.colRows, K: cols,
					Alpha: 1, Beta: 1,
					A: dySlice, Lda: cols,
					B: col, Ldb: cols,
					C: dw.Data[gi*g.og*g.colRows:], Ldc: g.colRows,
				})
			}
			if wantX {
				Gemm(GemmArgs{
					TransA: true,
					M:      g.colRows, N: cols, K: g.og,
					Alpha: 1,
					A:     wSlice, Lda: g.colRows,
					B: dySlice, Ldb: cols,
					C: col, Ldc: cols,
				})
				g.col2im(dx.Data[(s*g.c+gi*g.cg)*g.h*g.w:], col)
			}
		}
	}
	return dx, dw, nil
}

// ChannelSum sums a [N,C,...] tensor over every axis but the channel axis.
func ChannelSum(t *Tensor) *Tensor {
	n, c := t.Shape[0], t.Shape[1]
	inner := t.Len() / (n * c)
	out := New(c)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			base := (s*c + ch) * inner
			out.Data[ch] += float32(Sum(t.Data[base : base+inner]))
		}
	}
	return out
}
