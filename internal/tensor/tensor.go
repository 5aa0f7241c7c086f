package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// DType tags the precision a tensor's values are representable in. Storage
// is always float32; F16 means every element has been rounded to binary16.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// Tensor is a dense row-major N-dimensional array of float32 values.
//
// Shape lists the extent of every axis, outermost first. Data holds the
// flattened values and always has exactly NumElements(Shape) entries. Views
// created by Reshape share Data with their source.
type Tensor struct {
	Shape []int
	DType DType
	Data  []float32
}

// New allocates a zero-initialised tensor with the given shape.
func New(shape ...int) *Tensor {
	n := NumElements(shape)
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor. It panics if len(data) does not match the
// shape.
func FromData(data []float32, shape ...int) *Tensor {
	if NumElements(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	t.Fill(v)
	return t
}

// NumElements returns the product of the dimensions. It panics on negative
// dimensions.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

func (t *Tensor) Len() int  { return len(t.Data) }
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the extent of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		DType: t.DType,
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// ZerosLike returns a zero tensor with t's shape.
func (t *Tensor) ZerosLike() *Tensor {
	return New(t.Shape...)
}

// Reshape returns a view of t with a new shape. At most one dimension may be
// -1, in which case it is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = append([]int(nil), shape...)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("tensor: more than one inferred dimension")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
		}
		shape[infer] = len(t.Data) / known
	}
	if NumElements(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return &Tensor{Shape: shape, DType: t.DType, Data: t.Data}
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	clear(t.Data)
}

// CopyFrom copies src's values into t. Shapes must hold the same number of
// elements.
func (t *Tensor) CopyFrom(src *Tensor) {
	if len(src.Data) != len(t.Data) {
		panic("tensor: copy size mismatch")
	}
	copy(t.Data, src.Data)
}

// MinMax returns the smallest and largest element. It panics on an empty
// tensor.
func (t *Tensor) MinMax() (float32, float32) {
	if len(t.Data) == 0 {
		panic("tensor: MinMax of empty tensor")
	}
	return MinMax(t.Data)
}

// MinMax returns the smallest and largest value of a non-empty slice.
func MinMax(x []float32) (float32, float32) {
	lo, hi := x[0], x[0]
	for _, v := range x[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// HasNaNOrInf reports whether any element is NaN or infinite.
func (t *Tensor) HasNaNOrInf() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// FillNormal fills t with N(0, std^2) samples from a seeded source. The same
// seed always produces the same tensor.
func FillNormal(t *Tensor, std float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// FillUniform fills t with U(-bound, bound) samples from a seeded source.
func FillUniform(t *Tensor, bound float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v %s [", t.Shape, t.DType)
	const maxShown = 8
	for i, v := range t.Data {
		if i == maxShown {
			b.WriteString(" ...")
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
