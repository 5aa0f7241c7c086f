package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/qtrain/internal/autograd"
	"github.com/samcharles93/qtrain/internal/tensor"
)

func TestBiprecisionScalar(t *testing.T) {
	t.Parallel()
	a := autograd.NewParam("a", tensor.FromData([]float32{1}, 1, 1))
	b := autograd.NewParam("b", tensor.FromData([]float32{2}, 1, 1))

	// 2.0 sits on the 1-bit grid of [0, 2], so quantization leaves it exact.
	g := autograd.NewGraph()
	cfg := Config{NumBits: 1}
	cfg.Min, cfg.Max = Bounds(0, 2)
	qb, err := Apply(g, b, cfg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out, err := BiprecLinear(g, a, qb, nil)
	if err != nil {
		t.Fatalf("BiprecLinear: %v", err)
	}
	if out.Value.Data[0] != 2 {
		t.Fatalf("output = %g, want 2", out.Value.Data[0])
	}
	if err := g.Backward(g.Sum(out)); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if a.Grad.Data[0] != 2 || b.Grad.Data[0] != 1 {
		t.Fatalf("grads a=%g b=%g, want 2 and 1", a.Grad.Data[0], b.Grad.Data[0])
	}
}

// plainVsBiprec runs f through the plain and blended paths and compares the
// forward values and every gradient.
func plainVsBiprec(t *testing.T, vars []*autograd.Var, plain, blended func(g *autograd.Graph) (*autograd.Var, error)) {
	t.Helper()
	run := func(f func(g *autograd.Graph) (*autograd.Var, error)) ([]float32, [][]float32) {
		for _, v := range vars {
			v.ZeroGrad()
		}
		g := autograd.NewGraph()
		out, err := f(g)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		if err := g.Backward(g.Sum(out)); err != nil {
			t.Fatalf("Backward: %v", err)
		}
		grads := make([][]float32, len(vars))
		for i, v := range vars {
			grads[i] = append([]float32(nil), v.Grad.Data...)
		}
		return append([]float32(nil), out.Value.Data...), grads
	}
	pv, pg := run(plain)
	bv, bg := run(blended)
	for i := range pv {
		if math.Abs(float64(pv[i]-bv[i])) > 1e-4 {
			t.Fatalf("value[%d]: plain %g, biprec %g", i, pv[i], bv[i])
		}
	}
	for k := range vars {
		for i := range pg[k] {
			if math.Abs(float64(pg[k][i]-bg[k][i])) > 1e-4 {
				t.Fatalf("%s grad[%d]: plain %g, biprec %g", vars[k].Name, i, pg[k][i], bg[k][i])
			}
		}
	}
}

func TestBiprecisionMatchesPlainGradients(t *testing.T) {
	t.Parallel()
	x := autograd.NewParam("x", randomTensor(1, 3, 4))
	w := autograd.NewParam("w", randomTensor(2, 5, 4))
	b := autograd.NewParam("b", randomTensor(3, 5))
	plainVsBiprec(t, []*autograd.Var{x, w, b},
		func(g *autograd.Graph) (*autograd.Var, error) { return g.Linear(x, w, b) },
		func(g *autograd.Graph) (*autograd.Var, error) { return BiprecLinear(g, x, w, b) },
	)

	cx := autograd.NewParam("cx", randomTensor(4, 2, 3, 6, 6))
	cw := autograd.NewParam("cw", randomTensor(5, 4, 3, 3, 3))
	cb := autograd.NewParam("cb", randomTensor(6, 4))
	opts := tensor.ConvOptions{Stride: 2, Padding: 1}
	plainVsBiprec(t, []*autograd.Var{cx, cw, cb},
		func(g *autograd.Graph) (*autograd.Var, error) { return g.Conv2d(cx, cw, cb, opts) },
		func(g *autograd.Graph) (*autograd.Var, error) { return BiprecConv2d(g, cx, cw, cb, opts) },
	)
}

func TestActivationQuantizerDisabled(t *testing.T) {
	t.Parallel()
	q := NewActivationQuantizer(ActivationConfig{NumBits: 0})
	_, err := q.Forward(autograd.NewGraph(), autograd.NewConst(tensor.New(2, 2)))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestActivationQuantizerExactPolicy(t *testing.T) {
	t.Parallel()
	q := NewActivationQuantizer(ActivationConfig{NumBits: 2, Momentum: 0.1})
	x := autograd.NewConst(tensor.FromData([]float32{-1, 0, 1, 2}, 2, 2))
	out, err := q.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// Range [-1, 2] with 2 bits puts every input exactly on a level.
	for i, v := range x.Value.Data {
		if out.Value.Data[i] != v {
			t.Fatalf("out[%d] = %g, want %g", i, out.Value.Data[i], v)
		}
	}
	if q.RunningMin.Data[0] != 0 || q.RunningMax.Data[0] != 0 {
		t.Fatalf("exact policy touched the buffers: %g %g", q.RunningMin.Data[0], q.RunningMax.Data[0])
	}
}

func TestActivationQuantizerMovingAverage(t *testing.T) {
	t.Parallel()
	q := NewActivationQuantizer(ActivationConfig{NumBits: 8, Momentum: 0.1, Policy: PolicyMovingAverage})
	x := autograd.NewConst(tensor.FromData([]float32{0, 1, 2, 3}, 2, 2))
	if _, err := q.Forward(autograd.NewInferenceGraph(), x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// per-sample minima {0,2} and maxima {1,3}
	if q.RunningMin.Data[0] != 0.9 || q.RunningMax.Data[0] != 1.8 {
		t.Fatalf("running = [%g, %g], want [0.9, 1.8]", q.RunningMin.Data[0], q.RunningMax.Data[0])
	}

	q.Training = false
	out, err := q.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Value.Data[0] != 0.9 || out.Value.Data[3] != 1.8 {
		t.Fatalf("eval did not clamp to the running range: %v", out.Value.Data)
	}
	if q.RunningMin.Data[0] != 0.9 || q.RunningMax.Data[0] != 1.8 {
		t.Fatal("eval updated the buffers")
	}
}

func TestActivationQuantizerEvalIsDeterministic(t *testing.T) {
	t.Parallel()
	q := NewActivationQuantizer(ActivationConfig{NumBits: 4, Stochastic: 0.5})
	q.Training = false
	x := autograd.NewConst(randomTensor(9, 4, 16))
	a, err := q.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, err := q.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range a.Value.Data {
		if a.Value.Data[i] != b.Value.Data[i] {
			t.Fatalf("eval output differs at %d", i)
		}
	}
}

func TestRangePolicyParsing(t *testing.T) {
	t.Parallel()
	if p, err := ParseRangePolicy("ema"); err != nil || p != PolicyMovingAverage {
		t.Fatalf("ParseRangePolicy(ema) = %v, %v", p, err)
	}
	if _, err := ParseRangePolicy("median"); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
	if p, err := ParseBiasRangePolicy("weight"); err != nil || p != BiasFromWeight {
		t.Fatalf("ParseBiasRangePolicy(weight) = %v, %v", p, err)
	}
	if _, err := ParseBiasRangePolicy("x"); !errors.Is(err, ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestQConv2dZeroBitsIsPlainConv(t *testing.T) {
	t.Parallel()
	opts := tensor.ConvOptions{Stride: 1, Padding: 1}
	c := NewQConv2d("conv", 2, 3, 3, opts, true, LayerConfig{}, rand.New(rand.NewSource(1)))
	x := autograd.NewConst(randomTensor(2, 2, 2, 5, 5))

	got, err := c.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	want, err := tensor.Conv2d(x.Value, c.Weight.Value, c.Bias.Value, opts)
	if err != nil {
		t.Fatalf("Conv2d: %v", err)
	}
	for i := range want.Data {
		if got.Value.Data[i] != want.Data[i] {
			t.Fatalf("out[%d] = %g, want %g", i, got.Value.Data[i], want.Data[i])
		}
	}
	if c.Weight.Name != "conv.weight" || len(c.Params()) != 2 {
		t.Fatalf("unexpected params %q / %d", c.Weight.Name, len(c.Params()))
	}
}

func TestQConv2dQuantizesOperands(t *testing.T) {
	t.Parallel()
	c := NewQConv2d("conv", 3, 4, 3, tensor.ConvOptions{Padding: 1}, false,
		LayerConfig{NumBits: 3, NumBitsWeight: 2, Stochastic: 0}, rand.New(rand.NewSource(2)))
	g := autograd.NewGraph()
	x := autograd.NewConst(randomTensor(3, 2, 3, 4, 4))
	qx, qw, _, err := c.quantizeOperands(g, x)
	if err != nil {
		t.Fatalf("quantizeOperands: %v", err)
	}
	countLevels := func(v []float32) int {
		m := map[float32]bool{}
		for _, f := range v {
			m[f] = true
		}
		return len(m)
	}
	if n := countLevels(qx.Value.Data); n > 8 {
		t.Fatalf("input has %d levels, want <= 8", n)
	}
	if n := countLevels(qw.Value.Data); n > 4 {
		t.Fatalf("weight has %d levels, want <= 4", n)
	}
	if countLevels(c.Weight.Value.Data) <= 4 {
		t.Fatal("master weights were overwritten")
	}
}

func TestQLinearGradientsReachMasterWeights(t *testing.T) {
	t.Parallel()
	l := NewQLinear("fc", 6, 3, true, LayerConfig{NumBits: 8, NumBitsWeight: 4, Stochastic: 0.5}, rand.New(rand.NewSource(3)))
	x := autograd.NewConst(randomTensor(4, 5, 6))
	g := autograd.NewGraph()
	out, err := l.Forward(g, x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if err := g.Backward(g.Sum(out)); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if l.Weight.Grad == nil {
		t.Fatal("weight received no gradient")
	}
	// d(sum)/d(bias) is the batch size for every output.
	for i, v := range l.Bias.Grad.Data {
		if v != 5 {
			t.Fatalf("bias grad[%d] = %g, want 5", i, v)
		}
	}
}

func TestBiasRangePolicies(t *testing.T) {
	t.Parallel()
	bias := []float32{-1, 0.5, 1}
	build := func(p BiasRangePolicy) *QLinear {
		l := NewQLinear("fc", 2, 3, true, LayerConfig{NumBitsWeight: 8, BiasRange: p}, rand.New(rand.NewSource(4)))
		copy(l.Bias.Value.Data, bias)
		return l
	}
	x := autograd.NewConst(tensor.New(1, 2))

	// One chunk per element averages to a collapsed range at the mean.
	_, _, qb, err := build(BiasChunked).quantizeOperands(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("chunked: %v", err)
	}
	mean := (-1 + 0.5 + 1) / 3.0
	for i, v := range qb.Value.Data {
		if float64(v) < mean-1e-6 || float64(v) > mean+255*MinScale+1e-6 {
			t.Fatalf("chunked bias[%d] = %g, want within the collapsed range at %g", i, v, mean)
		}
	}

	_, _, qb, err = build(BiasExact).quantizeOperands(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	step := 2.0 / 255
	for i, v := range qb.Value.Data {
		if math.Abs(float64(v-bias[i])) > step/2+1e-6 {
			t.Fatalf("exact bias[%d] = %g, want within %g of %g", i, v, step/2, bias[i])
		}
	}

	l := build(BiasFromWeight)
	_, qw, qb, err := l.quantizeOperands(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("weight: %v", err)
	}
	wlo, whi := qw.Value.MinMax()
	for i, v := range qb.Value.Data {
		if v < wlo-1e-6 || v > whi+1e-6 {
			t.Fatalf("bias[%d] = %g escapes the weight range [%g, %g]", i, v, wlo, whi)
		}
	}
}

func TestSetTrainingDisablesInputDither(t *testing.T) {
	t.Parallel()
	l := NewQLinear("fc", 4, 2, false, LayerConfig{NumBits: 4, Stochastic: 0.5}, nil)
	l.SetTraining(false)
	if l.InputQuantizer().Training {
		t.Fatal("SetTraining(false) did not reach the input quantizer")
	}
	x := autograd.NewConst(randomTensor(5, 3, 4))
	a, err := l.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	b, err := l.Forward(autograd.NewInferenceGraph(), x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range a.Value.Data {
		if a.Value.Data[i] != b.Value.Data[i] {
			t.Fatalf("eval output differs at %d", i)
		}
	}
}
