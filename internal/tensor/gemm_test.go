package tensor

import (
	"math"
	"testing"
)

func gemmNaive(a, b *Tensor, transA, transB bool) *Tensor {
	at := func(i, p int) float32 {
		if transA {
			return a.Data[p*a.Shape[1]+i]
		}
		return a.Data[i*a.Shape[1]+p]
	}
	bt := func(p, j int) float32 {
		if transB {
			return b.Data[j*b.Shape[1]+p]
		}
		return b.Data[p*b.Shape[1]+j]
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	n := b.Shape[1]
	if transB {
		n = b.Shape[0]
	}
	out := New(m, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += at(i, p) * bt(p, j)
			}
			out.Data[i*n+j] = sum
		}
	}
	return out
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestMatMulMatchesNaive(t *testing.T) {
	cases := []struct {
		name           string
		transA, transB bool
	}{
		{"NN", false, false},
		{"TN", true, false},
		{"NT", false, true},
		{"TT", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, k, n := 50, 70, 45
			ashape := []int{m, k}
			if tc.transA {
				ashape = []int{k, m}
			}
			bshape := []int{k, n}
			if tc.transB {
				bshape = []int{n, k}
			}
			a := New(ashape...)
			b := New(bshape...)
			FillUniform(a, 1, 1)
			FillUniform(b, 1, 2)

			got := MatMul(a, b, tc.transA, tc.transB)
			want := gemmNaive(a, b, tc.transA, tc.transB)
			if d := maxAbsDiff(got.Data, want.Data); d > 1e-4 {
				t.Fatalf("max abs diff %g", d)
			}
		})
	}
}

func TestGemmAlphaBeta(t *testing.T) {
	a := FromData([]float32{1, 2, 3, 4}, 2, 2)
	b := FromData([]float32{5, 6, 7, 8}, 2, 2)
	c := FromData([]float32{1, 1, 1, 1}, 2, 2)
	Gemm(GemmArgs{
		M: 2, N: 2, K: 2,
		Alpha: 2, Beta: 3,
		A: a.Data, Lda: 2,
		B: b.Data, Ldb: 2,
		C: c.Data, Ldc: 2,
	})
	want := []float32{2*19 + 3, 2*22 + 3, 2*43 + 3, 2*50 + 3}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Fatalf("c[%d] = %g, want %g", i, c.Data[i], want[i])
		}
	}
}

func TestGemmTileSweep(t *testing.T) {
	oldN, oldK := tileN, tileK
	defer func() { tileN, tileK = oldN, oldK }()

	a := New(17, 33)
	b := New(33, 29)
	FillUniform(a, 1, 3)
	FillUniform(b, 1, 4)
	want := gemmNaive(a, b, false, false)

	for _, tiles := range [][2]int{{1, 1}, {7, 5}, {64, 32}} {
		tileN, tileK = tiles[0], tiles[1]
		got := MatMul(a, b, false, false)
		if d := maxAbsDiff(got.Data, want.Data); d > 1e-4 {
			t.Fatalf("tiles %v: max abs diff %g", tiles, d)
		}
	}
}
