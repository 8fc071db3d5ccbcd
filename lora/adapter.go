package lora

import (
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

// adapter holds the low-rank correction of an adapted layer: two thin
// factors whose product, scaled by alpha/r, corrects the frozen base
// weight. A nil *adapter means the layer is plain, either never adapted or
// already merged.
//
// Factor a has one row per base-weight row (vocabulary entries for the
// embedding, input features for the linear layer) and starts at zero, so a
// freshly adapted layer computes exactly what the plain layer did. Factor b
// has one row per output feature and starts from a unit normal.
type adapter struct {
	a       *nn.Parameter // (rows, r), zero-initialized
	b       *nn.Parameter // (cols, r), normal-initialized
	scaling float64
}

func newAdapter(rows, cols int, cfg Config, rng *rand.Rand) *adapter {
	bm := mat.NewDense(cols, cfg.R, nil)
	for i := 0; i < cols; i++ {
		for j := 0; j < cfg.R; j++ {
			bm.Set(i, j, rng.NormFloat64())
		}
	}
	return &adapter{
		a:       nn.NewParameter(mat.NewDense(rows, cfg.R, nil), true),
		b:       nn.NewParameter(bm, true),
		scaling: cfg.scaling(),
	}
}

// mergeInto folds scaling*(a @ b^T) into w without materializing the delta.
func (ad *adapter) mergeInto(w *mat.Dense) {
	blas64.Gemm(blas.NoTrans, blas.Trans,
		ad.scaling, ad.a.Value.RawMatrix(), ad.b.Value.RawMatrix(),
		1, w.RawMatrix())
}

// correctInto adds scaling*(x @ b^T) to out, the fused multiply-add both
// forward paths share. x holds adapter-space activations (n, r).
func (ad *adapter) correctInto(out, x *mat.Dense) {
	blas64.Gemm(blas.NoTrans, blas.Trans,
		ad.scaling, x.RawMatrix(), ad.b.Value.RawMatrix(),
		1, out.RawMatrix())
}
