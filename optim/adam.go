// Package optim implements the AdamW update over the parameter slices the
// layers expose. Moment state is owned here, keyed by parameter pointer, so
// layers stay free of optimizer bookkeeping and merged-away parameters drop
// their state with the last reference.
package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

type AdamConfig struct {
	LR          float64
	Beta1       float64 // default 0.9
	Beta2       float64 // default 0.999
	Eps         float64 // default 1e-8
	WeightDecay float64 // decoupled AdamW decay; 0 disables
	GradClip    float64 // max global grad norm; <=0 disables
}

type Adam struct {
	cfg  AdamConfig
	step int
	m    map[*nn.Parameter]*mat.Dense
	v    map[*nn.Parameter]*mat.Dense
}

func NewAdam(cfg AdamConfig) *Adam {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}
	return &Adam{
		cfg: cfg,
		m:   make(map[*nn.Parameter]*mat.Dense),
		v:   make(map[*nn.Parameter]*mat.Dense),
	}
}

// Step applies one bias-corrected AdamW update to every trainable parameter
// that accumulated a gradient, then drops the gradients. Frozen parameters
// and parameters that saw no gradient are untouched.
func (a *Adam) Step(params []*nn.Parameter) {
	live := make([]*nn.Parameter, 0, len(params))
	for _, p := range params {
		if p.Trainable && p.Grad != nil {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return
	}
	if a.cfg.GradClip > 0 {
		clipGlobalNorm(live, a.cfg.GradClip)
	}
	a.step++
	c1 := 1.0 / (1.0 - math.Pow(a.cfg.Beta1, float64(a.step)))
	c2 := 1.0 / (1.0 - math.Pow(a.cfg.Beta2, float64(a.step)))
	for _, p := range live {
		m, ok := a.m[p]
		if !ok {
			r, c := p.Value.Dims()
			m = mat.NewDense(r, c, nil)
			a.m[p] = m
			a.v[p] = mat.NewDense(r, c, nil)
		}
		v := a.v[p]
		pr, pc := p.Value.Dims()
		decay := 1.0 - a.cfg.LR*a.cfg.WeightDecay
		for i := 0; i < pr; i++ {
			for j := 0; j < pc; j++ {
				gij := p.Grad.At(i, j)
				mij := a.cfg.Beta1*m.At(i, j) + (1.0-a.cfg.Beta1)*gij
				vij := a.cfg.Beta2*v.At(i, j) + (1.0-a.cfg.Beta2)*gij*gij
				mhat := mij * c1
				vhat := vij * c2
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				// decay multiplies the weight so non-finite entries, like a
				// pinned -inf embedding row with zero gradient, stay put
				wij := p.Value.At(i, j) * decay
				p.Value.Set(i, j, wij-a.cfg.LR*mhat/(math.Sqrt(vhat)+a.cfg.Eps))
			}
		}
		p.ZeroGrad()
	}
}

// ZeroGrad drops accumulated gradients without stepping.
func (a *Adam) ZeroGrad(params []*nn.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func clipGlobalNorm(params []*nn.Parameter, limit float64) {
	total := 0.0
	for _, p := range params {
		n := mat.Norm(p.Grad, 2)
		total += n * n
	}
	total = math.Sqrt(total)
	if total <= limit {
		return
	}
	scale := limit / total
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
}
