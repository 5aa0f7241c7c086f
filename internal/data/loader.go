package data

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/qtrain/internal/tensor"
)

// ImageNet per-channel statistics.
var (
	ImageNetMean = []float32{0.485, 0.456, 0.406}
	ImageNetStd  = []float32{0.229, 0.224, 0.225}
)

type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	// Flip mirrors each image horizontally with probability one half.
	Flip bool
	// Mean and Std normalize each channel; nil leaves values untouched.
	Mean, Std []float32
	// Workers bounds the goroutines that assemble one batch. Zero uses
	// GOMAXPROCS.
	Workers int
	// Prefetch is the number of batches assembled ahead of the consumer.
	Prefetch int
	Seed     int64
}

type Batch struct {
	Images *tensor.Tensor
	Labels []int
}

// Loader cuts a dataset into batches. The last batch may be short.
type Loader struct {
	ds  Dataset
	cfg LoaderConfig
}

func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrDataset, cfg.BatchSize)
	}
	c := ds.Shape()[0]
	if (cfg.Mean != nil || cfg.Std != nil) && (len(cfg.Mean) != c || len(cfg.Std) != c) {
		return nil, fmt.Errorf("%w: normalization needs %d channel values, got mean %d std %d", ErrDataset, c, len(cfg.Mean), len(cfg.Std))
	}
	for _, s := range cfg.Std {
		if s == 0 {
			return nil, fmt.Errorf("%w: zero std", ErrDataset)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 2
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

func (l *Loader) Dataset() Dataset { return l.ds }

// NumBatches returns ceil(Len/BatchSize).
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Each assembles the batches of one epoch in the background and calls fn
// for each in order. The order and augmentation depend only on Seed and
// epoch. It stops at the first error from fn or when ctx is cancelled.
func (l *Loader) Each(ctx context.Context, epoch int, fn func(i int, b Batch) error) error {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)*1_000_003))
	if l.cfg.Shuffle {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	flips := make([]bool, len(order))
	if l.cfg.Flip {
		for i := range flips {
			flips[i] = rng.Intn(2) == 1
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	batches := make(chan Batch, l.cfg.Prefetch)
	g.Go(func() error {
		defer close(batches)
		for start := 0; start < len(order); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(order))
			b, err := l.assemble(ctx, order[start:end], flips[start:end])
			if err != nil {
				return err
			}
			select {
			case batches <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		i := 0
		for b := range batches {
			if err := fn(i, b); err != nil {
				return err
			}
			i++
		}
		return nil
	})
	return g.Wait()
}

func (l *Loader) assemble(ctx context.Context, idx []int, flips []bool) (Batch, error) {
	shape := l.ds.Shape()
	size := tensor.NumElements(shape)
	b := Batch{
		Images: tensor.New(append([]int{len(idx)}, shape...)...),
		Labels: make([]int, len(idx)),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)
	for k, i := range idx {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := b.Images.Data[k*size : (k+1)*size]
			b.Labels[k] = l.ds.Example(i, dst)
			if flips[k] {
				flipHorizontal(dst, shape)
			}
			l.normalize(dst, shape)
			return nil
		})
	}
	return b, g.Wait()
}

func flipHorizontal(img []float32, shape []int) {
	w := shape[2]
	for r := 0; r < len(img)/w; r++ {
		row := img[r*w : (r+1)*w]
		for a, z := 0, w-1; a < z; a, z = a+1, z-1 {
			row[a], row[z] = row[z], row[a]
		}
	}
}

func (l *Loader) normalize(img []float32, shape []int) {
	if l.cfg.Mean == nil {
		return
	}
	area := shape[1] * shape[2]
	for c := 0; c < shape[0]; c++ {
		m, inv := l.cfg.Mean[c], 1/l.cfg.Std[c]
		plane := img[c*area : (c+1)*area]
		for i, v := range plane {
			plane[i] = (v - m) * inv
		}
	}
}
