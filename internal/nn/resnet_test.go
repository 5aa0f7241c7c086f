package nn

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/logger"
	"github.com/samcharles93/qtrain/internal/quant"
	"github.com/samcharles93/qtrain/internal/tensor"
)

func smallConfig() NetConfig {
	cfg := DefaultNetConfig()
	cfg.Width = 4
	cfg.NumClasses = 5
	return cfg
}

func images(seed int64, n int) *tensor.Tensor {
	x := tensor.New(n, 3, 32, 32)
	tensor.FillNormal(x, 1, seed)
	return x
}

func TestResNet18ParamCount(t *testing.T) {
	m, err := NewResNet18(DefaultNetConfig(), nil)
	if err != nil {
		t.Fatalf("NewResNet18: %v", err)
	}
	if got := m.NumParams(); got != 11689512 {
		t.Fatalf("NumParams = %d, want 11689512", got)
	}
}

func TestForwardShapeAndGradients(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.ActBits = 8
	cfg.Layer = quant.LayerConfig{NumBitsWeight: 8, Stochastic: 0.5}
	m, err := NewResNet18(cfg, nil)
	if err != nil {
		t.Fatalf("NewResNet18: %v", err)
	}
	g := autograd.NewGraph()
	logits, err := m.Forward(g, images(1, 2))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if logits.Value.Shape[0] != 2 || logits.Value.Shape[1] != 5 {
		t.Fatalf("logits shape %v, want [2 5]", logits.Value.Shape)
	}
	loss, err := g.SoftmaxCrossEntropy(logits, []int{1, 3})
	if err != nil {
		t.Fatalf("loss: %v", err)
	}
	if err := g.Backward(loss); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range m.Params() {
		if p.Grad == nil {
			t.Fatalf("%s received no gradient", p.Name)
		}
	}
}

func TestStateNames(t *testing.T) {
	t.Parallel()
	m, err := NewResNet18(smallConfig(), nil)
	if err != nil {
		t.Fatalf("NewResNet18: %v", err)
	}
	state := m.State()
	for _, name := range []string{
		"conv1.weight", "bn1.running_mean", "quantize.running_min",
		"layer1.0.conv1.weight", "layer1.1.bn2.bias",
		"layer2.0.conv3.weight", "layer2.0.bn3.running_var", "layer4.1.quantize.running_max",
		"fc.weight", "fc.bias",
	} {
		if _, ok := state[name]; !ok {
			t.Errorf("state is missing %s", name)
		}
	}
	if _, ok := state["layer1.0.conv3.weight"]; ok {
		t.Error("layer1.0 should not have a shortcut projection")
	}
	names := m.StateNames()
	if len(names) != len(state) || names[0] > names[len(names)-1] {
		t.Fatalf("StateNames not sorted or incomplete: %d vs %d", len(names), len(state))
	}
}

func TestSeedIsReproducible(t *testing.T) {
	t.Parallel()
	a, _ := NewResNet18(smallConfig(), nil)
	b, _ := NewResNet18(smallConfig(), nil)
	pa, pb := a.Params(), b.Params()
	for i := range pa {
		for k := range pa[i].Value.Data {
			if pa[i].Value.Data[k] != pb[i].Value.Data[k] {
				t.Fatalf("%s differs at %d", pa[i].Name, k)
			}
		}
	}
}

func TestPrintShapesOnlyOnFirstForward(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	cfg := smallConfig()
	cfg.PrintShapes = true
	m, err := NewResNet18(cfg, logger.JSON(&buf, slog.LevelInfo))
	if err != nil {
		t.Fatalf("NewResNet18: %v", err)
	}
	if _, err := m.Forward(autograd.NewInferenceGraph(), images(2, 1)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	first := strings.Count(buf.String(), `"msg":"shape"`)
	if first == 0 {
		t.Fatal("no shapes logged on the first forward")
	}
	if !strings.Contains(buf.String(), `"shape":"[1 5]"`) {
		t.Fatalf("output shape not logged: %s", buf.String())
	}
	if _, err := m.Forward(autograd.NewInferenceGraph(), images(2, 1)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if n := strings.Count(buf.String(), `"msg":"shape"`); n != first {
		t.Fatalf("second forward logged %d more shapes", n-first)
	}
}

func TestMergeBatchNormMatchesEvalNetwork(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.Eps = bnEps
	plain, _ := NewResNet18(cfg, nil)
	cfg.MergeBN = true
	merged, _ := NewResNet18(cfg, nil)

	// Give every batch norm non-trivial statistics and affine terms.
	seed := int64(10)
	for _, net := range []*ResNet{plain, merged} {
		s := seed
		for _, c := range net.convs() {
			tensor.FillUniform(c.bn.Stats.Mean, 0.2, s)
			tensor.FillUniform(c.bn.Beta.Value, 0.2, s+1)
			for i := range c.bn.Stats.Var.Data {
				c.bn.Stats.Var.Data[i] = 0.5 + 0.1*float32(i%3)
				c.bn.Gamma.Value.Data[i] = 0.8 + 0.05*float32(i%4)
			}
			s += 2
		}
		net.SetTraining(false)
	}
	merged.MergeBatchNorm()

	x := images(3, 2)
	want, err := plain.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("plain Forward: %v", err)
	}
	got, err := merged.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("merged Forward: %v", err)
	}
	for i := range want.Value.Data {
		w, g := float64(want.Value.Data[i]), float64(got.Value.Data[i])
		if math.Abs(w-g) > 1e-3*math.Max(1, math.Abs(w)) {
			t.Fatalf("logit %d: plain %g, merged %g", i, w, g)
		}
	}
}

func TestHardtanhActivationClips(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	cfg.ActMax = 0.5
	m, _ := NewResNet18(cfg, nil)
	x := autograd.NewParam("x", tensor.FromData([]float32{-1, 0.25, 3}, 3))
	out := m.activation(autograd.NewGraph(), x)
	want := []float32{0, 0.25, 0.5}
	for i, v := range want {
		if out.Value.Data[i] != v {
			t.Fatalf("activation[%d] = %g, want %g", i, out.Value.Data[i], v)
		}
	}
}

func TestSetTrainingReachesQuantizers(t *testing.T) {
	t.Parallel()
	m, _ := NewResNet18(smallConfig(), nil)
	m.SetTraining(false)
	for name, q := range m.quantizers() {
		if q.Training {
			t.Fatalf("%s still in training mode", name)
		}
	}
	if m.Training() {
		t.Fatal("model still in training mode")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*NetConfig)
	}{
		{"zero width", func(c *NetConfig) { c.Width = 0 }},
		{"no classes", func(c *NetConfig) { c.NumClasses = 0 }},
		{"negative bits", func(c *NetConfig) { c.ActBits = -1 }},
		{"stochastic", func(c *NetConfig) { c.Stochastic = 2 }},
		{"merge without eps", func(c *NetConfig) { c.MergeBN = true; c.Eps = 0 }},
	}
	for _, tc := range tests {
		cfg := smallConfig()
		tc.mutate(&cfg)
		if _, err := NewResNet18(cfg, nil); !errors.Is(err, ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", tc.name, err)
		}
	}
}
