// Package checkpoint stores training state in a safetensors file.
//
// Model state is written under its own names; optimizer buffers are written
// with an "optimizer." prefix. Epoch, architecture, best accuracy and run id
// travel in the file metadata.
package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/safetensors"
	"github.com/samcharles93/qtrain/internal/tensor"
)

const optimizerPrefix = "optimizer."

const (
	keyEpoch   = "epoch"
	keyArch    = "arch"
	keyBestAcc = "best_acc"
	keyRunID   = "run_id"
)

var ErrArch = errors.New("checkpoint: architecture mismatch")

type Checkpoint struct {
	// Epoch is the next epoch to run.
	Epoch   int
	Arch    string
	BestAcc float64
	RunID   string

	State     map[string]*tensor.Tensor
	Optimizer map[string]*tensor.Tensor
}

func (c *Checkpoint) metadata() map[string]string {
	return map[string]string{
		keyEpoch:   strconv.Itoa(c.Epoch),
		keyArch:    c.Arch,
		keyBestAcc: strconv.FormatFloat(c.BestAcc, 'g', -1, 64),
		keyRunID:   c.RunID,
	}
}

// Save writes c to path atomically.
func Save(path string, c *Checkpoint) error {
	entries := make([]safetensors.Entry, 0, len(c.State)+len(c.Optimizer))
	for name, t := range c.State {
		if strings.HasPrefix(name, optimizerPrefix) {
			return fmt.Errorf("model tensor %q uses the reserved optimizer prefix", name)
		}
		entries = append(entries, safetensors.F32(name, t))
	}
	for name, t := range c.Optimizer {
		entries = append(entries, safetensors.F32(optimizerPrefix+name, t))
	}
	if err := safetensors.WriteFile(path, entries, c.metadata()); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", path, err)
	}
	return nil
}

// Load reads a checkpoint written by Save. The returned tensors own their
// data.
func Load(path string) (*Checkpoint, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	c := &Checkpoint{
		Arch:      f.Metadata[keyArch],
		RunID:     f.Metadata[keyRunID],
		State:     make(map[string]*tensor.Tensor),
		Optimizer: make(map[string]*tensor.Tensor),
	}
	if s, ok := f.Metadata[keyEpoch]; ok {
		if c.Epoch, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("%s: epoch %q: %w", path, s, err)
		}
	}
	if s, ok := f.Metadata[keyBestAcc]; ok {
		if c.BestAcc, err = strconv.ParseFloat(s, 64); err != nil {
			return nil, fmt.Errorf("%s: best_acc %q: %w", path, s, err)
		}
	}
	for _, name := range f.Names() {
		t, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if opt, ok := strings.CutPrefix(name, optimizerPrefix); ok {
			c.Optimizer[opt] = t
			continue
		}
		c.State[name] = t
	}
	return c, nil
}

// Model is the state a checkpoint can be restored into.
type Model interface {
	Params() []*autograd.Var
	Buffers() map[string]*tensor.Tensor
}

// Optimizer restores its buffers from a checkpoint.
type Optimizer interface {
	LoadState(map[string]*tensor.Tensor) error
}

// Restore copies every checkpoint tensor whose name and size match a model
// parameter or running buffer. Anything else is logged and skipped, so a
// checkpoint from a differently quantized network still loads its weights.
// opt may be nil. It returns the number of tensors copied.
func Restore(m Model, opt Optimizer, c *Checkpoint, log logger.Logger) (int, error) {
	if log == nil {
		log = logger.Discard()
	}
	targets := make(map[string]*tensor.Tensor)
	for name, t := range m.Buffers() {
		targets[name] = t
	}
	for _, p := range m.Params() {
		targets[p.Name] = p.Value
	}

	names := make([]string, 0, len(c.State))
	for name := range c.State {
		names = append(names, name)
	}
	sort.Strings(names)

	copied := 0
	for _, name := range names {
		src := c.State[name]
		dst, ok := targets[name]
		switch {
		case !ok:
			log.Info("not copying", "name", name, "reason", "no such tensor in model")
		case dst.Len() != src.Len():
			log.Info("not copying", "name", name, "reason", "size mismatch",
				"checkpoint", src.Shape, "model", dst.Shape)
		default:
			copy(dst.Data, src.Data)
			copied++
		}
	}
	if opt != nil && len(c.Optimizer) > 0 {
		if err := opt.LoadState(c.Optimizer); err != nil {
			return copied, fmt.Errorf("restore optimizer: %w", err)
		}
	}
	log.Info("restored checkpoint", "epoch", c.Epoch, "best_acc", c.BestAcc, "copied", copied, "total", len(c.State))
	return copied, nil
}

// CheckArch returns ErrArch unless c was saved for arch. Empty Arch matches.
func (c *Checkpoint) CheckArch(arch string) error {
	if c.Arch != "" && c.Arch != arch {
		return fmt.Errorf("%w: checkpoint has %q, model is %q", ErrArch, c.Arch, arch)
	}
	return nil
}
