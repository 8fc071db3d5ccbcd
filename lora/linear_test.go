package lora

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

func linCfg(r int) LinearConfig {
	return LinearConfig{
		In:   3,
		Out:  2,
		LoRA: Config{R: r, Alpha: 4, Dropout: 0.5},
		Rand: rand.New(rand.NewSource(2)),
	}
}

func TestLinearRankZeroMatchesManual(t *testing.T) {
	l, err := NewLinear(linCfg(0))
	if err != nil {
		t.Fatal(err)
	}
	if !l.Weight.Trainable || !l.Merged() {
		t.Fatal("rank-0 linear should be plain and trainable")
	}
	x := randDense(4, 3, 5)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := mat.NewDense(4, 2, nil)
	want.Mul(x, l.Weight.Value)
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			if got := y.At(i, j); got != want.At(i, j)+l.Bias.Value.At(0, j) {
				t.Fatalf("y[%d,%d] = %g, want %g", i, j, got, want.At(i, j)+l.Bias.Value.At(0, j))
			}
		}
	}
}

func TestLinearZeroInitAddsNothing(t *testing.T) {
	l, err := NewLinear(linCfg(2))
	if err != nil {
		t.Fatal(err)
	}
	if l.Weight.Trainable {
		t.Fatal("adapted linear left base trainable")
	}
	x := randDense(4, 3, 6)
	// Training mode exercises the branch dropout; with the zero factor the
	// branch contributes exactly nothing either way.
	for _, train := range []bool{false, true} {
		l.SetTraining(train)
		y, err := l.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		base := mat.NewDense(4, 2, nil)
		base.Mul(x, l.Weight.Value)
		for i := 0; i < 4; i++ {
			for j := 0; j < 2; j++ {
				if y.At(i, j) != base.At(i, j)+l.Bias.Value.At(0, j) {
					t.Fatalf("training=%v: fresh adapter shifted output", train)
				}
			}
		}
	}
}

func TestLinearGradFiniteDiff(t *testing.T) {
	l, err := NewLinear(linCfg(2))
	if err != nil {
		t.Fatal(err)
	}
	fillNormal(l.ad.a.Value, 8)
	x := randDense(4, 3, 9)
	w := randDense(4, 2, 10)
	loss := func() float64 {
		y, err := l.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		return weightedSum(y, w)
	}
	loss()
	dx, err := l.Backward(w)
	if err != nil {
		t.Fatal(err)
	}
	if l.Weight.Grad != nil {
		t.Fatal("frozen base weight accumulated gradient")
	}
	eps := 1e-5
	for _, pos := range [][2]int{{0, 0}, {2, 1}, {3, 2}} {
		i, j := pos[0], pos[1]
		x0 := x.At(i, j)
		x.Set(i, j, x0+eps)
		lp := loss()
		x.Set(i, j, x0-eps)
		lm := loss()
		x.Set(i, j, x0)
		num := (lp - lm) / (2 * eps)
		if math.Abs(num-dx.At(i, j)) > 1e-4 {
			t.Fatalf("dX[%d,%d] mismatch: num=%.6g ana=%.6g", i, j, num, dx.At(i, j))
		}
	}
	checks := []struct {
		p    *nn.Parameter
		i, j int
	}{
		{l.ad.a, 1, 0},
		{l.ad.a, 2, 1},
		{l.ad.b, 0, 1},
		{l.Bias, 0, 0},
	}
	for _, c := range checks {
		v0 := c.p.Value.At(c.i, c.j)
		c.p.Value.Set(c.i, c.j, v0+eps)
		lp := loss()
		c.p.Value.Set(c.i, c.j, v0-eps)
		lm := loss()
		c.p.Value.Set(c.i, c.j, v0)
		num := (lp - lm) / (2 * eps)
		ana := c.p.Grad.At(c.i, c.j)
		if math.Abs(num-ana) > 1e-4 {
			t.Fatalf("param grad [%d,%d] mismatch: num=%.6g ana=%.6g", c.i, c.j, num, ana)
		}
	}
}

func TestLinearBaseGradAfterMerge(t *testing.T) {
	l, err := NewLinear(linCfg(1))
	if err != nil {
		t.Fatal(err)
	}
	fillNormal(l.ad.a.Value, 11)
	l.MergeLoRA()
	x := randDense(2, 3, 12)
	w := randDense(2, 2, 13)
	loss := func() float64 {
		y, err := l.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		return weightedSum(y, w)
	}
	loss()
	if _, err := l.Backward(w); err != nil {
		t.Fatal(err)
	}
	if l.Weight.Grad == nil {
		t.Fatal("merged base weight accumulated no gradient")
	}
	eps := 1e-5
	i, j := 1, 1
	v0 := l.Weight.Value.At(i, j)
	l.Weight.Value.Set(i, j, v0+eps)
	lp := loss()
	l.Weight.Value.Set(i, j, v0-eps)
	lm := loss()
	l.Weight.Value.Set(i, j, v0)
	num := (lp - lm) / (2 * eps)
	if math.Abs(num-l.Weight.Grad.At(i, j)) > 1e-4 {
		t.Fatalf("dW[%d,%d] mismatch: num=%.6g ana=%.6g", i, j, num, l.Weight.Grad.At(i, j))
	}
}

func TestLinearMergeEquivalence(t *testing.T) {
	l, err := NewLinear(linCfg(2))
	if err != nil {
		t.Fatal(err)
	}
	fillNormal(l.ad.a.Value, 14)
	x := randDense(5, 3, 15)
	before, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	l.MergeLoRA()
	if !l.Merged() || !l.Weight.Trainable {
		t.Fatal("merge left the layer adapted or frozen")
	}
	after, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, before, after, 1e-9)

	snapshot := mat.DenseCopyOf(l.Weight.Value)
	l.MergeLoRA()
	if !mat.Equal(snapshot, l.Weight.Value) {
		t.Fatal("second merge changed the weight")
	}
	if n := len(l.Parameters()); n != 2 {
		t.Fatalf("merged linear exposes %d parameters, want weight and bias", n)
	}
}

func TestLinearBranchDropoutLeavesBasePath(t *testing.T) {
	cfg := linCfg(1)
	cfg.LoRA.Dropout = 0.9
	l, err := NewLinear(cfg)
	if err != nil {
		t.Fatal(err)
	}
	fillNormal(l.ad.a.Value, 16)
	x := randDense(6, 3, 17)

	l.SetTraining(false)
	evalOut, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	l.SetTraining(true)
	l.SeedDropout(3)
	trainOut, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	// The branch differs under dropout, the base path never does: zeroing
	// the factor must reconcile the two modes exactly.
	diff := false
	for i := 0; i < 6 && !diff; i++ {
		for j := 0; j < 2; j++ {
			if evalOut.At(i, j) != trainOut.At(i, j) {
				diff = true
				break
			}
		}
	}
	if !diff {
		t.Fatal("heavy branch dropout changed nothing")
	}
	l.ad.a.Value.Zero()
	e2, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	l.SetTraining(false)
	t2, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(e2, t2) {
		t.Fatal("base path depends on training mode")
	}
}

func TestLinearNoBias(t *testing.T) {
	cfg := linCfg(0)
	cfg.NoBias = true
	l, err := NewLinear(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if l.Bias != nil {
		t.Fatal("NoBias layer carries a bias")
	}
	if n := len(l.Parameters()); n != 1 {
		t.Fatalf("bias-free linear exposes %d parameters, want 1", n)
	}
}
