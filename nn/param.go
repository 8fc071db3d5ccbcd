package nn

import "gonum.org/v1/gonum/mat"

// Parameter is a weight matrix together with its accumulated gradient.
// Layers expose their parameters through a Parameters() slice; optimizer
// state (Adam moments) lives in the optimizer keyed by the *Parameter
// pointer, so a layer never carries stale moments after its parameter set
// changes.
//
// A frozen parameter (Trainable=false) silently drops gradients, which is
// how LoRA keeps base weights fixed while the low-rank factors train.
type Parameter struct {
	Value     *mat.Dense
	Grad      *mat.Dense
	Trainable bool
}

func NewParameter(v *mat.Dense, trainable bool) *Parameter {
	return &Parameter{Value: v, Trainable: trainable}
}

// AddGrad accumulates g, allocating the gradient on first use. Frozen
// parameters ignore it so their Grad stays nil.
func (p *Parameter) AddGrad(g mat.Matrix) {
	if !p.Trainable {
		return
	}
	if p.Grad == nil {
		r, c := p.Value.Dims()
		p.Grad = mat.NewDense(r, c, nil)
	}
	p.Grad.Add(p.Grad, g)
}

// AddGradRow accumulates a row gradient into row i.
func (p *Parameter) AddGradRow(i int, g []float64) {
	if !p.Trainable {
		return
	}
	if p.Grad == nil {
		r, c := p.Value.Dims()
		p.Grad = mat.NewDense(r, c, nil)
	}
	row := p.Grad.RawRowView(i)
	for j, v := range g {
		row[j] += v
	}
}

// ZeroGrad drops the accumulated gradient.
func (p *Parameter) ZeroGrad() { p.Grad = nil }
