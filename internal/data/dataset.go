// Package data supplies labelled image batches to the trainer.
package data

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/samcharles93/qtrain/internal/safetensors"
	"github.com/samcharles93/qtrain/internal/tensor"
)

var ErrDataset = errors.New("data: invalid dataset")

// Dataset is a random-access collection of images [C,H,W] with integer
// labels. Example must be safe for concurrent use.
type Dataset interface {
	Len() int
	// Example copies image i into dst, which has C*H*W elements, and
	// returns its label.
	Example(i int, dst []float32) int
	// Shape returns the per-image shape [C,H,W].
	Shape() []int
	NumClasses() int
}

// Synthetic generates class-conditional images: every class has a fixed
// random template, and each example adds seeded noise to its class template.
// Example i has label i mod classes.
type Synthetic struct {
	n, classes int
	shape      []int
	noise      float64
	seed       int64
	offset     int
	templates  [][]float32
}

func NewSynthetic(n, classes int, shape []int, noise float64, seed int64) (*Synthetic, error) {
	if n <= 0 || classes <= 0 || len(shape) != 3 {
		return nil, fmt.Errorf("%w: synthetic set needs n, classes > 0 and a [C,H,W] shape, got %d, %d, %v", ErrDataset, n, classes, shape)
	}
	size := tensor.NumElements(shape)
	rng := rand.New(rand.NewSource(seed))
	s := &Synthetic{
		n:         n,
		classes:   classes,
		shape:     append([]int(nil), shape...),
		noise:     noise,
		seed:      seed,
		templates: make([][]float32, classes),
	}
	for c := range s.templates {
		t := make([]float32, size)
		for i := range t {
			t[i] = float32(rng.NormFloat64())
		}
		s.templates[c] = t
	}
	return s, nil
}

func (s *Synthetic) Len() int        { return s.n }
func (s *Synthetic) Shape() []int    { return s.shape }
func (s *Synthetic) NumClasses() int { return s.classes }

// Holdout returns a set of n examples with the same class templates whose
// noise is drawn after the first skip examples of s, for use as a
// validation split.
func (s *Synthetic) Holdout(n, skip int) *Synthetic {
	h := *s
	h.n = n
	h.offset = s.offset + skip
	return &h
}

func (s *Synthetic) Example(i int, dst []float32) int {
	label := i % s.classes
	rng := rand.New(rand.NewSource(s.seed*7919 + int64(s.offset+i) + 1))
	for k, v := range s.templates[label] {
		dst[k] = v + float32(rng.NormFloat64()*s.noise)
	}
	return label
}

// TensorDataset holds a whole split in memory.
type TensorDataset struct {
	images  *tensor.Tensor
	labels  []int
	classes int
}

// NewTensorDataset wraps images [N,C,H,W] and N labels in [0, classes).
// classes <= 0 infers the class count from the largest label.
func NewTensorDataset(images *tensor.Tensor, labels []int, classes int) (*TensorDataset, error) {
	if images.Rank() != 4 || images.Shape[0] != len(labels) {
		return nil, fmt.Errorf("%w: images %v for %d labels", ErrDataset, images.Shape, len(labels))
	}
	maxLabel := -1
	for _, l := range labels {
		if l < 0 {
			return nil, fmt.Errorf("%w: negative label %d", ErrDataset, l)
		}
		maxLabel = max(maxLabel, l)
	}
	if classes <= 0 {
		classes = maxLabel + 1
	}
	if maxLabel >= classes {
		return nil, fmt.Errorf("%w: label %d outside %d classes", ErrDataset, maxLabel, classes)
	}
	return &TensorDataset{images: images, labels: labels, classes: classes}, nil
}

func (d *TensorDataset) Len() int        { return len(d.labels) }
func (d *TensorDataset) Shape() []int    { return d.images.Shape[1:] }
func (d *TensorDataset) NumClasses() int { return d.classes }

func (d *TensorDataset) Example(i int, dst []float32) int {
	size := len(dst)
	copy(dst, d.images.Data[i*size:(i+1)*size])
	return d.labels[i]
}

// Split names the two files of a folder dataset.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// LoadSplit reads <dir>/<split>.safetensors holding "images" [N,C,H,W]
// (F32, F16, BF16 or U8; U8 is scaled to [0,1]) and "labels" [N] (I64, I32
// or U8).
func LoadSplit(dir string, split Split) (*TensorDataset, error) {
	path := filepath.Join(dir, string(split)+".safetensors")
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s split: %w", split, err)
	}
	defer func() { _ = f.Close() }()

	images, err := f.ReadTensorF32("images")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if info, _ := f.Tensor("images"); info.DType == "U8" {
		tensor.Scale(images.Data, 1.0/255)
	}
	images.DType = tensor.F32

	raw, _, err := f.ReadTensorInts("labels")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	labels := make([]int, len(raw))
	for i, v := range raw {
		labels[i] = int(v)
	}

	classes := 0
	if s, ok := f.Metadata["num_classes"]; ok {
		if _, err := fmt.Sscanf(s, "%d", &classes); err != nil {
			return nil, fmt.Errorf("%s: num_classes %q: %w", path, s, err)
		}
	}
	return NewTensorDataset(images, labels, classes)
}
