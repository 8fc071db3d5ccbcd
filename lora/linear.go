package lora

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

type LinearConfig struct {
	In, Out int
	NoBias  bool
	LoRA    Config
	Rand    *rand.Rand
}

func (c LinearConfig) Validate() error {
	if c.In <= 0 || c.Out <= 0 {
		return fmt.Errorf("lora: linear needs positive sizes, got (%d,%d)", c.In, c.Out)
	}
	return c.LoRA.Validate()
}

// Linear computes x @ Weight + Bias with an optional low-rank adapter.
// While the adapter is attached the base weight is frozen and outputs pick
// up scaling*((drop(x) @ a) @ b^T); dropout applies to the adapter branch
// only, never to the base path.
type Linear struct {
	Weight *nn.Parameter // (In, Out)
	Bias   *nn.Parameter // (1, Out), nil when disabled

	cfg  LinearConfig
	ad   *adapter
	drop *nn.Dropout

	lastX       *mat.Dense
	lastDropped *mat.Dense
	lastXA      *mat.Dense
}

func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := initRand(cfg.Rand)
	w := mat.NewDense(cfg.In, cfg.Out, nil)
	uniformInit(w, float64(cfg.In), rng)
	l := &Linear{
		Weight: nn.NewParameter(w, cfg.LoRA.R == 0),
		cfg:    cfg,
	}
	if !cfg.NoBias {
		b := mat.NewDense(1, cfg.Out, nil)
		uniformInit(b, float64(cfg.In), rng)
		l.Bias = nn.NewParameter(b, true)
	}
	if cfg.LoRA.R > 0 {
		l.ad = newAdapter(cfg.In, cfg.Out, cfg.LoRA, rng)
		l.drop = nn.NewDropout(cfg.LoRA.Dropout)
	}
	return l, nil
}

func (l *Linear) Parameters() []*nn.Parameter {
	ps := []*nn.Parameter{l.Weight}
	if l.Bias != nil {
		ps = append(ps, l.Bias)
	}
	if l.ad != nil {
		ps = append(ps, l.ad.a, l.ad.b)
	}
	return ps
}

func (l *Linear) Merged() bool { return l.ad == nil }

// SetTraining toggles the adapter-branch dropout.
func (l *Linear) SetTraining(on bool) {
	if l.drop != nil {
		l.drop.SetTraining(on)
	}
}

// SeedDropout re-seeds the adapter-branch dropout mask source.
func (l *Linear) SeedDropout(seed int64) {
	if l.drop != nil {
		l.drop.Seed(seed)
	}
}

func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, error) {
	n, in := x.Dims()
	if in != l.cfg.In {
		return nil, fmt.Errorf("lora: linear got %d features, want %d", in, l.cfg.In)
	}
	out := mat.NewDense(n, l.cfg.Out, nil)
	out.Mul(x, l.Weight.Value)
	if l.Bias != nil {
		bias := l.Bias.Value.RawRowView(0)
		for i := 0; i < n; i++ {
			row := out.RawRowView(i)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	l.lastX = x
	if l.ad != nil {
		dropped := l.drop.Forward(x)
		xa := mat.NewDense(n, l.cfg.LoRA.R, nil)
		xa.Mul(dropped, l.ad.a.Value)
		l.ad.correctInto(out, xa)
		l.lastDropped = dropped
		l.lastXA = xa
	}
	return out, nil
}

// Backward consumes dY from the last Forward, accumulates parameter
// gradients on whichever side is live and returns dX.
func (l *Linear) Backward(dy *mat.Dense) (*mat.Dense, error) {
	if l.lastX == nil {
		return nil, fmt.Errorf("lora: linear backward before forward")
	}
	n, out := dy.Dims()
	if xr, _ := l.lastX.Dims(); out != l.cfg.Out || n != xr {
		return nil, fmt.Errorf("lora: linear backward shape (%d,%d) does not match forward", n, out)
	}
	dx := mat.NewDense(n, l.cfg.In, nil)
	dx.Mul(dy, l.Weight.Value.T())
	if l.Weight.Trainable {
		var dw mat.Dense
		dw.Mul(l.lastX.T(), dy)
		l.Weight.AddGrad(&dw)
	}
	if l.Bias != nil {
		db := make([]float64, l.cfg.Out)
		for i := 0; i < n; i++ {
			row := dy.RawRowView(i)
			for j, v := range row {
				db[j] += v
			}
		}
		l.Bias.AddGradRow(0, db)
	}
	if l.ad != nil {
		var dyb mat.Dense
		dyb.Mul(dy, l.ad.b.Value) // (n, r)

		var da mat.Dense
		da.Mul(l.lastDropped.T(), &dyb)
		da.Scale(l.ad.scaling, &da)
		l.ad.a.AddGrad(&da)

		var db mat.Dense
		db.Mul(dy.T(), l.lastXA)
		db.Scale(l.ad.scaling, &db)
		l.ad.b.AddGrad(&db)

		var dBranch mat.Dense
		dBranch.Mul(&dyb, l.ad.a.Value.T())
		dBranch.Scale(l.ad.scaling, &dBranch)
		dx.Add(dx, l.drop.Backward(&dBranch))
	}
	return dx, nil
}

// MergeLoRA folds the adapter into the base weight, restores base
// trainability and drops the factors and branch dropout. Calling it again
// is a no-op.
func (l *Linear) MergeLoRA() {
	if l.ad == nil {
		return
	}
	l.ad.mergeInto(l.Weight.Value)
	l.Weight.Trainable = true
	l.ad = nil
	l.drop = nil
}

// Fan-in init: uniform in ±1/sqrt(fanIn).
func uniformInit(m *mat.Dense, fanIn float64, rng *rand.Rand) {
	bound := 1.0 / math.Sqrt(fanIn+1e-12)
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = -bound + rng.Float64()*2*bound
		}
	}
}
