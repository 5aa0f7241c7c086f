package tensor

import (
	"runtime"
	"sync"
)

// Tile sizes for the blocked inner loops. Variables so tests can sweep them.
var (
	tileN = 64
	tileK = 32
)

// Problems smaller than this many multiply-adds run on the calling goroutine.
const gemmParallelThreshold = 1 << 15

// GemmArgs describes C = alpha*op(A)*op(B) + beta*C over row-major slices,
// where op(X) is X or X^T. M, N and K are the dimensions of op(A) (MxK),
// op(B) (KxN) and C (MxN). Lda, Ldb and Ldc are the row strides of the
// stored (untransposed) matrices.
type GemmArgs struct {
	TransA, TransB bool
	M, N, K        int
	Alpha, Beta    float32
	A              []float32
	Lda            int
	B              []float32
	Ldb            int
	C              []float32
	Ldc            int
}

type gemmTask struct {
	args   *GemmArgs
	rs, re int
	done   chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

var (
	gemmWorkPool     *gemmPool
	gemmWorkPoolOnce sync.Once
)

func getGemmPool() *gemmPool {
	gemmWorkPoolOnce.Do(func() {
		gemmWorkPool = newGemmPool()
	})
	return gemmWorkPool
}

func newGemmPool() *gemmPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for w := 0; w < size; w++ {
		go func() {
			row := make([]float32, 0, 256)
			for task := range p.tasks {
				row = gemmRangeRows(task.args, task.rs, task.re, row)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C, splitting ranges of output
// rows across a shared worker pool when the problem is large enough.
func Gemm(a GemmArgs) {
	if a.M == 0 || a.N == 0 {
		return
	}
	if a.M*a.N*a.K < gemmParallelThreshold || a.M == 1 {
		gemmRangeRows(&a, 0, a.M, nil)
		return
	}

	pool := getGemmPool()
	workers := min(pool.size, a.M)
	if workers <= 1 {
		gemmRangeRows(&a, 0, a.M, nil)
		return
	}

	chunk := (a.M + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := min(rs+chunk, a.M)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- gemmTask{args: &a, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// gemmRangeRows computes rows [rs, re) of C. row is scratch space for one row
// of op(A) and is returned, possibly grown, for reuse.
func gemmRangeRows(a *GemmArgs, rs, re int, row []float32) []float32 {
	if cap(row) < a.K {
		row = make([]float32, a.K)
	}
	row = row[:a.K]

	for i := rs; i < re; i++ {
		crow := a.C[i*a.Ldc : i*a.Ldc+a.N]
		switch a.Beta {
		case 0:
			clear(crow)
		case 1:
		default:
			Scale(crow, a.Beta)
		}

		if a.TransA {
			for p := 0; p < a.K; p++ {
				row[p] = a.A[p*a.Lda+i]
			}
		} else {
			copy(row, a.A[i*a.Lda:i*a.Lda+a.K])
		}

		if a.TransB {
			for j := 0; j < a.N; j++ {
				b := a.B[j*a.Ldb : j*a.Ldb+a.K]
				crow[j] += a.Alpha * Dot(row, b)
			}
			continue
		}

		for k0 := 0; k0 < a.K; k0 += tileK {
			kMax := min(k0+tileK, a.K)
			for j0 := 0; j0 < a.N; j0 += tileN {
				jMax := min(j0+tileN, a.N)
				cblk := crow[j0:jMax]
				for p := k0; p < kMax; p++ {
					v := a.Alpha * row[p]
					if v == 0 {
						continue
					}
					bblk := a.B[p*a.Ldb+j0 : p*a.Ldb+jMax]
					for j := range cblk {
						cblk[j] += v * bblk[j]
					}
				}
			}
		}
	}
	return row
}

// MatMul returns op(a)*op(b) for 2-D tensors.
func MatMul(a, b *Tensor, transA, transB bool) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 {
		panic("tensor: MatMul requires 2-D operands")
	}
	m, k := a.Shape[0], a.Shape[1]
	if transA {
		m, k = k, m
	}
	kb, n := b.Shape[0], b.Shape[1]
	if transB {
		kb, n = n, kb
	}
	if k != kb {
		panic("tensor: MatMul inner dimension mismatch")
	}
	out := New(m, n)
	Gemm(GemmArgs{
		TransA: transA, TransB: transB,
		M: m, N: n, K: k,
		Alpha: 1,
		A:     a.Data, Lda: a.Shape[1],
		B: b.Data, Ldb: b.Shape[1],
		C: out.Data, Ldc: n,
	})
	return out
}
