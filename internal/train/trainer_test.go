package train

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/checkpoint"
	"github.com/samcharles93/qtrain/internal/data"
	"github.com/samcharles93/qtrain/internal/nn"
	"github.com/samcharles93/qtrain/internal/optim"
	"github.com/samcharles93/qtrain/internal/quant"
	"github.com/samcharles93/qtrain/internal/tensor"
)

// linearModel is a single quantized fully connected layer over flattened
// images.
type linearModel struct {
	fc       *quant.QLinear
	training bool
}

func newLinearModel(in, classes int, cfg quant.LayerConfig) *linearModel {
	return &linearModel{fc: quant.NewQLinear("fc", in, classes, true, cfg, rand.New(rand.NewSource(1)))}
}

func (m *linearModel) Forward(g *autograd.Graph, images *tensor.Tensor) (*autograd.Var, error) {
	return m.fc.Forward(g, g.Flatten(autograd.NewConst(images)))
}

func (m *linearModel) Params() []*autograd.Var            { return m.fc.Params() }
func (m *linearModel) Buffers() map[string]*tensor.Tensor { return map[string]*tensor.Tensor{} }
func (m *linearModel) SetTraining(training bool) {
	m.training = training
	m.fc.SetTraining(training)
}

func (m *linearModel) State() map[string]*tensor.Tensor {
	out := map[string]*tensor.Tensor{}
	for _, p := range m.Params() {
		out[p.Name] = p.Value
	}
	return out
}

type fakeReporter struct {
	epochs    []int
	batches   int
	validated int
	best      float64
	finished  bool
	cancelled bool
	err       error
}

func (r *fakeReporter) StartEpoch(epoch, _ int, _ float64) { r.epochs = append(r.epochs, epoch) }
func (r *fakeReporter) Batch(int, float64, float64)        { r.batches++ }
func (r *fakeReporter) Validating()                        { r.validated++ }
func (r *fakeReporter) EndEpoch(_, best float64)           { r.best = best }
func (r *fakeReporter) Finish(err error, cancelled bool) {
	r.finished, r.err, r.cancelled = true, err, cancelled
}

func loaders(t *testing.T, n int) (*data.Loader, *data.Loader) {
	t.Helper()
	ds, err := data.NewSynthetic(n, 2, []int{1, 4, 4}, 0.1, 3)
	if err != nil {
		t.Fatal(err)
	}
	tr, err := data.NewLoader(ds, data.LoaderConfig{BatchSize: 4, Shuffle: true, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	val, err := data.NewLoader(ds, data.LoaderConfig{BatchSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	return tr, val
}

func TestAccuracy(t *testing.T) {
	t.Parallel()
	logits := tensor.FromData([]float32{
		0.1, 0.9,
		0.8, 0.2,
		0.3, 0.7,
		0.6, 0.4,
	}, 4, 2)
	tests := []struct {
		labels []int
		want   float64
	}{
		{[]int{1, 0, 1, 0}, 100},
		{[]int{1, 1, 1, 1}, 50},
		{[]int{0, 1, 0, 1}, 0},
	}
	for _, tc := range tests {
		if got := Accuracy(logits, tc.labels); got != tc.want {
			t.Errorf("Accuracy(%v) = %g, want %g", tc.labels, got, tc.want)
		}
	}
	if got := Accuracy(tensor.New(0, 2), nil); got != 0 {
		t.Errorf("empty batch accuracy = %g", got)
	}
}

func TestCheckpointTag(t *testing.T) {
	t.Parallel()
	cfg := Config{Tag: "q4_", Noise: 0.1}
	if got := cfg.CheckpointTag(); got != "q4_" {
		t.Fatalf("tag = %q", got)
	}
	cfg.DistortTrain = true
	if got := cfg.CheckpointTag(); got != "q4_noise_0.10_" {
		t.Fatalf("distorted tag = %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"ok", Config{Epochs: 1, LR: 0.1}, true},
		{"zero lr", Config{Epochs: 1}, false},
		{"negative epochs", Config{Epochs: -1, LR: 0.1}, false},
		{"noise", Config{Epochs: 1, LR: 0.1, Noise: 1}, false},
	}
	for _, tc := range tests {
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: err = %v", tc.name, err)
		}
		if err != nil && !errors.Is(err, ErrConfig) {
			t.Errorf("%s: err %v does not wrap ErrConfig", tc.name, err)
		}
	}
}

func TestRunLearnsAndCheckpoints(t *testing.T) {
	t.Parallel()
	tr, val := loaders(t, 32)
	m := newLinearModel(16, 2, quant.LayerConfig{})
	opt := optim.NewSGD(m.Params(), 0.1, 0.9, 1e-4)
	dir := t.TempDir()
	rep := &fakeReporter{}
	cfg := Config{Epochs: 4, LR: 0.1, StepAfter: 3, PrintFreq: 2, CheckpointDir: dir, Tag: "lin_", Arch: "linear", RunID: "r1"}
	trainer, err := New(m, opt, tr, val, cfg, nil, rep)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Epochs != 4 || res.BestAcc < 90 {
		t.Fatalf("result = %+v", res)
	}
	if math.Abs(opt.LR-0.01) > 1e-12 {
		t.Fatalf("final lr = %g, want step decay to 0.01", opt.LR)
	}
	if len(rep.epochs) != 4 || rep.batches != 4*8 || rep.validated != 4 || !rep.finished || rep.err != nil {
		t.Fatalf("reporter = %+v", rep)
	}

	if _, err := os.Stat(res.Checkpoint); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	ckpt, err := checkpoint.Load(res.Checkpoint)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ckpt.Arch != "linear" || ckpt.RunID != "r1" || ckpt.BestAcc != res.BestAcc || ckpt.Epoch < 1 {
		t.Fatalf("checkpoint metadata = %+v", ckpt)
	}
	if _, ok := ckpt.State["fc.weight"]; !ok {
		t.Fatalf("checkpoint state = %v", ckpt.State)
	}
	if _, ok := ckpt.Optimizer["momentum_buffer.fc.weight"]; !ok {
		t.Fatalf("checkpoint optimizer = %v", ckpt.Optimizer)
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	tr, val := loaders(t, 16)
	m := newLinearModel(16, 2, quant.LayerConfig{})
	rep := &fakeReporter{}
	trainer, err := New(m, optim.NewSGD(m.Params(), 0.1, 0, 0), tr, val, Config{Epochs: 2, LR: 0.1}, nil, rep)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := trainer.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if !rep.cancelled {
		t.Fatalf("reporter = %+v", rep)
	}
}

func TestDistortionRestoresWeights(t *testing.T) {
	t.Parallel()
	tr, val := loaders(t, 8)
	m := newLinearModel(16, 2, quant.LayerConfig{})
	cfg := Config{Epochs: 1, LR: 0.1, Noise: 0.2, DistortTest: true, Seed: 5}
	trainer, err := New(m, optim.NewSGD(m.Params(), 0.1, 0, 0), tr, val, cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := m.Params()[0].Value
	before := w.Clone()

	restore := trainer.distort()
	changed := false
	for i, v := range w.Data {
		ratio := v / before.Data[i]
		if before.Data[i] != 0 && (ratio < 0.8-1e-6 || ratio > 1.2+1e-6) {
			t.Fatalf("weight %d scaled by %g, outside 1±0.2", i, ratio)
		}
		changed = changed || v != before.Data[i]
	}
	if !changed {
		t.Fatal("distortion left weights unchanged")
	}
	restore()
	for i := range w.Data {
		if w.Data[i] != before.Data[i] {
			t.Fatalf("weight %d not restored", i)
		}
	}

	if _, err := trainer.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := range w.Data {
		if w.Data[i] != before.Data[i] {
			t.Fatalf("evaluation with distortion changed weight %d", i)
		}
	}
}

func TestRunResNetSmoke(t *testing.T) {
	t.Parallel()
	cfg := nn.DefaultNetConfig()
	cfg.Width = 2
	cfg.NumClasses = 3
	cfg.ActBits = 4
	cfg.Layer = quant.LayerConfig{NumBits: 4, NumBitsWeight: 4, Stochastic: 0.5}
	m, err := nn.NewResNet18(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	ds, _ := data.NewSynthetic(4, 3, []int{3, 32, 32}, 0.5, 1)
	tr, _ := data.NewLoader(ds, data.LoaderConfig{BatchSize: 2})
	trainer, err := New(m, optim.NewSGD(m.Params(), 0.01, 0.9, 1e-4), tr, tr, Config{Epochs: 1, LR: 0.01}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := trainer.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Epochs != 1 {
		t.Fatalf("result = %+v", res)
	}
	for _, p := range m.Params() {
		if p.Value.HasNaNOrInf() {
			t.Fatalf("parameter %s diverged", p.Name)
		}
	}
}
