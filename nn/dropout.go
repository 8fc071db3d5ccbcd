package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes a fraction P of entries while training and rescales the
// survivors by 1/(1-P), so the layer is the identity at inference time.
// The sampled mask is kept for the backward pass.
type Dropout struct {
	P float64

	rng      *rand.Rand
	training bool
	mask     *mat.Dense
}

func NewDropout(p float64) *Dropout {
	return &Dropout{P: p, rng: rand.New(rand.NewSource(rand.Int63()))}
}

// Seed re-seeds the mask source for reproducible masks.
func (d *Dropout) Seed(seed int64) { d.rng = rand.New(rand.NewSource(seed)) }

// SetTraining switches between sampling masks and identity behavior.
func (d *Dropout) SetTraining(on bool) { d.training = on }

func (d *Dropout) Training() bool { return d.training }

func (d *Dropout) Forward(x *mat.Dense) *mat.Dense {
	if !d.training || d.P <= 0 {
		d.mask = nil
		return x
	}
	r, c := x.Dims()
	keep := 1 - d.P
	d.mask = mat.NewDense(r, c, nil)
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mr := d.mask.RawRowView(i)
		or := out.RawRowView(i)
		xr := x.RawRowView(i)
		for j := 0; j < c; j++ {
			if d.rng.Float64() < keep {
				mr[j] = 1 / keep
				or[j] = xr[j] / keep
			}
		}
	}
	return out
}

// Backward applies the mask sampled by the last Forward.
func (d *Dropout) Backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	r, c := dy.Dims()
	dx := mat.NewDense(r, c, nil)
	dx.MulElem(dy, d.mask)
	return dx
}
