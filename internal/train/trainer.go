// Package train runs the epoch loop: SGD over the training loader, a
// validation pass per epoch, and a checkpoint whenever validation accuracy
// improves.
package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/checkpoint"
	"github.com/samcharles93/qtrain/internal/data"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/optim"
	"github.com/samcharles93/qtrain/internal/tensor"
)

var ErrConfig = errors.New("train: invalid config")

// Model is the network being trained.
type Model interface {
	Forward(g *autograd.Graph, images *tensor.Tensor) (*autograd.Var, error)
	Params() []*autograd.Var
	Buffers() map[string]*tensor.Tensor
	State() map[string]*tensor.Tensor
	SetTraining(training bool)
}

// Reporter receives progress. api.Status implements it.
type Reporter interface {
	StartEpoch(epoch, batches int, lr float64)
	Batch(batch int, loss, acc float64)
	Validating()
	EndEpoch(valAcc, bestAcc float64)
	Finish(err error, cancelled bool)
}

type Config struct {
	Epochs     int
	StartEpoch int
	LR         float64
	// StepAfter divides the learning rate by ten every StepAfter epochs.
	StepAfter int
	PrintFreq int
	// CheckpointDir receives <Tag>checkpoint.safetensors on every new best
	// validation accuracy. Empty disables saving.
	CheckpointDir string
	Tag           string
	Arch          string
	RunID         string
	// BestAcc is the best accuracy so far, when resuming.
	BestAcc float64

	// Noise is the half-width of the multiplicative weight distortion
	// 1+U(-Noise, Noise) applied when DistortTrain or DistortTest is set.
	Noise        float64
	DistortTrain bool
	DistortTest  bool
	Seed         int64
}

func (c Config) Validate() error {
	if c.Epochs < 0 || c.StartEpoch < 0 {
		return fmt.Errorf("%w: epochs %d, start epoch %d", ErrConfig, c.Epochs, c.StartEpoch)
	}
	if c.Epochs > c.StartEpoch && c.LR <= 0 {
		return fmt.Errorf("%w: learning rate must be positive, got %g", ErrConfig, c.LR)
	}
	if c.Noise < 0 || c.Noise >= 1 {
		return fmt.Errorf("%w: noise must be in [0,1), got %g", ErrConfig, c.Noise)
	}
	return nil
}

// CheckpointTag is the file name prefix for saved checkpoints.
func (c Config) CheckpointTag() string {
	if c.DistortTrain {
		return c.Tag + fmt.Sprintf("noise_%.2f_", c.Noise)
	}
	return c.Tag
}

func (c Config) CheckpointPath() string {
	return filepath.Join(c.CheckpointDir, c.CheckpointTag()+"checkpoint.safetensors")
}

type Trainer struct {
	Model  Model
	Opt    *optim.SGD
	Train  *data.Loader
	Val    *data.Loader
	Config Config
	Log    logger.Logger
	Status Reporter

	rng     *rand.Rand
	bestAcc float64
}

func New(model Model, opt *optim.SGD, trainLoader, val *data.Loader, cfg Config, log logger.Logger, status Reporter) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}
	if cfg.PrintFreq <= 0 {
		cfg.PrintFreq = 10
	}
	return &Trainer{
		Model:   model,
		Opt:     opt,
		Train:   trainLoader,
		Val:     val,
		Config:  cfg,
		Log:     log,
		Status:  status,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		bestAcc: cfg.BestAcc,
	}, nil
}

// Result summarizes a finished run.
type Result struct {
	BestAcc    float64
	LastAcc    float64
	Epochs     int
	Checkpoint string
}

// Run trains from StartEpoch to Epochs. It returns ctx.Err() if cancelled
// between batches.
func (t *Trainer) Run(ctx context.Context) (res Result, err error) {
	defer func() {
		if t.Status != nil {
			t.Status.Finish(err, errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		}
	}()
	if t.Train == nil {
		return res, fmt.Errorf("%w: no training data", ErrConfig)
	}
	for epoch := t.Config.StartEpoch; epoch < t.Config.Epochs; epoch++ {
		lr := optim.StepLR(t.Config.LR, epoch, t.Config.StepAfter)
		t.Opt.LR = lr
		if err := t.trainEpoch(ctx, epoch, lr); err != nil {
			return res, err
		}
		res.Epochs++

		if t.Val == nil {
			continue
		}
		if t.Status != nil {
			t.Status.Validating()
		}
		acc, err := t.evaluate(ctx, epoch)
		if err != nil {
			return res, err
		}
		res.LastAcc = acc
		if acc > t.bestAcc {
			t.bestAcc = acc
			if t.Config.CheckpointDir != "" {
				path, err := t.save(epoch + 1)
				if err != nil {
					return res, err
				}
				res.Checkpoint = path
			}
		}
		if t.Status != nil {
			t.Status.EndEpoch(acc, t.bestAcc)
		}
	}
	res.BestAcc = t.bestAcc
	t.Log.Info("training finished", "best_acc", fmt.Sprintf("%.2f", t.bestAcc))
	return res, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, lr float64) error {
	t.Model.SetTraining(true)
	batches := t.Train.NumBatches()
	if t.Status != nil {
		t.Status.StartEpoch(epoch, batches, lr)
	}
	log := t.Log.With("epoch", epoch)
	var accSum float64
	start := time.Now()

	return t.Train.Each(ctx, epoch, func(i int, b data.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		loss, acc, err := t.step(b)
		if err != nil {
			return fmt.Errorf("epoch %d batch %d: %w", epoch, i, err)
		}
		t.Opt.Step()
		accSum += acc

		mean := accSum / float64(i+1)
		if t.Status != nil {
			t.Status.Batch(i, loss, mean)
		}
		if i%t.Config.PrintFreq == 0 {
			log.Info("train",
				"batch", fmt.Sprintf("%d/%d", i, batches),
				"loss", loss,
				"acc", fmt.Sprintf("%.2f", mean),
				"lr", lr,
				"elapsed", time.Since(start),
			)
		}
		return nil
	})
}

// step computes gradients for one batch. With DistortTrain the forward and
// backward passes see distorted weights, and the originals are restored
// before the optimizer updates them.
func (t *Trainer) step(b data.Batch) (loss, acc float64, err error) {
	if t.Config.DistortTrain {
		defer t.distort()()
	}
	g := autograd.NewGraph()
	logits, err := t.Model.Forward(g, b.Images)
	if err != nil {
		return 0, 0, fmt.Errorf("forward: %w", err)
	}
	l, err := g.SoftmaxCrossEntropy(logits, b.Labels)
	if err != nil {
		return 0, 0, err
	}
	t.Opt.ZeroGrad()
	if err := g.Backward(l); err != nil {
		return 0, 0, fmt.Errorf("backward: %w", err)
	}
	return float64(l.Value.Data[0]), Accuracy(logits.Value, b.Labels), nil
}

// Evaluate runs one validation pass and returns the mean per-batch accuracy
// in percent.
func (t *Trainer) Evaluate(ctx context.Context) (float64, error) {
	return t.evaluate(ctx, t.Config.StartEpoch)
}

func (t *Trainer) evaluate(ctx context.Context, epoch int) (float64, error) {
	if t.Val == nil {
		return 0, fmt.Errorf("%w: no validation data", ErrConfig)
	}
	t.Model.SetTraining(false)
	defer t.Model.SetTraining(true)
	if t.Config.DistortTest {
		defer t.distort()()
	}

	var sum float64
	n := 0
	err := t.Val.Each(ctx, 0, func(i int, b data.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		logits, err := t.Model.Forward(autograd.NewInferenceGraph(), b.Images)
		if err != nil {
			return fmt.Errorf("validate batch %d: %w", i, err)
		}
		sum += Accuracy(logits.Value, b.Labels)
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	acc := 0.0
	if n > 0 {
		acc = sum / float64(n)
	}
	t.Log.Info("validation", "epoch", epoch, "acc", fmt.Sprintf("%.2f", acc))
	return acc, nil
}

// distort multiplies every parameter by 1+U(-Noise, Noise) and returns a
// function that puts the original values back.
func (t *Trainer) distort() func() {
	params := t.Model.Params()
	saved := make([]*tensor.Tensor, len(params))
	noise := t.Config.Noise
	for i, p := range params {
		saved[i] = p.Value.Clone()
		for k, v := range p.Value.Data {
			p.Value.Data[k] = v * float32(1+noise*(2*t.rng.Float64()-1))
		}
	}
	return func() {
		for i, p := range params {
			p.Value.CopyFrom(saved[i])
		}
	}
}

func (t *Trainer) save(nextEpoch int) (string, error) {
	path := t.Config.CheckpointPath()
	ckpt := &checkpoint.Checkpoint{
		Epoch:     nextEpoch,
		Arch:      t.Config.Arch,
		BestAcc:   t.bestAcc,
		RunID:     t.Config.RunID,
		State:     t.Model.State(),
		Optimizer: t.Opt.State(),
	}
	if err := checkpoint.Save(path, ckpt); err != nil {
		return "", err
	}
	t.Log.Info("saved checkpoint", "path", path, "epoch", nextEpoch, "best_acc", fmt.Sprintf("%.2f", t.bestAcc))
	return path, nil
}

// Accuracy returns the percentage of rows of logits [N,K] whose argmax
// equals the label.
func Accuracy(logits *tensor.Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	k := logits.Len() / len(labels)
	hits := 0
	for i, label := range labels {
		if tensor.Argmax(logits.Data[i*k:(i+1)*k]) == label {
			hits++
		}
	}
	return float64(hits) * 100 / float64(len(labels))
}
