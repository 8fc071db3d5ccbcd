package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each row of its input to zero mean and unit variance
// across features, then applies the learned gain and bias. Normalization
// caches from Forward feed the following Backward.
type LayerNorm struct {
	Dim   int
	Eps   float64
	Gamma *Parameter // (1, Dim)
	Beta  *Parameter // (1, Dim)

	xhat   *mat.Dense
	invStd []float64
}

func NewLayerNorm(dim int, eps float64) *LayerNorm {
	g := mat.NewDense(1, dim, nil)
	for j := 0; j < dim; j++ {
		g.Set(0, j, 1)
	}
	return &LayerNorm{
		Dim:   dim,
		Eps:   eps,
		Gamma: NewParameter(g, true),
		Beta:  NewParameter(mat.NewDense(1, dim, nil), true),
	}
}

func (l *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{l.Gamma, l.Beta}
}

func (l *LayerNorm) Forward(x *mat.Dense) (*mat.Dense, error) {
	n, d := x.Dims()
	if d != l.Dim {
		return nil, fmt.Errorf("nn: layernorm got %d features, want %d", d, l.Dim)
	}
	out := mat.NewDense(n, d, nil)
	xhat := mat.NewDense(n, d, nil)
	inv := make([]float64, n)
	gamma := l.Gamma.Value.RawRowView(0)
	beta := l.Beta.Value.RawRowView(0)
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		mu := 0.0
		for _, v := range row {
			mu += v
		}
		mu /= float64(d)
		va := 0.0
		for _, v := range row {
			diff := v - mu
			va += diff * diff
		}
		va /= float64(d)
		istd := 1.0 / math.Sqrt(va+l.Eps)
		inv[i] = istd
		xh := xhat.RawRowView(i)
		o := out.RawRowView(i)
		for j, v := range row {
			xh[j] = (v - mu) * istd
			o[j] = gamma[j]*xh[j] + beta[j]
		}
	}
	l.xhat = xhat
	l.invStd = inv
	return out, nil
}

// Backward consumes dY from the last Forward, accumulates gain and bias
// gradients and returns dX.
func (l *LayerNorm) Backward(dy *mat.Dense) (*mat.Dense, error) {
	if l.xhat == nil {
		return nil, fmt.Errorf("nn: layernorm backward before forward")
	}
	n, d := dy.Dims()
	if xr, _ := l.xhat.Dims(); d != l.Dim || n != xr {
		return nil, fmt.Errorf("nn: layernorm backward got (%d,%d), want cached shape", n, d)
	}
	dGamma := make([]float64, d)
	dBeta := make([]float64, d)
	gamma := l.Gamma.Value.RawRowView(0)
	dx := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		dyr := dy.RawRowView(i)
		xh := l.xhat.RawRowView(i)
		istd := l.invStd[i]
		sum1 := 0.0
		sum2 := 0.0
		for j := 0; j < d; j++ {
			gy := dyr[j] * gamma[j]
			sum1 += gy
			sum2 += gy * xh[j]
			dGamma[j] += dyr[j] * xh[j]
			dBeta[j] += dyr[j]
		}
		dxr := dx.RawRowView(i)
		for j := 0; j < d; j++ {
			gy := dyr[j] * gamma[j]
			dxr[j] = (float64(d)*gy - sum1 - xh[j]*sum2) * (istd / float64(d))
		}
	}
	l.Gamma.AddGrad(mat.NewDense(1, d, dGamma))
	l.Beta.AddGrad(mat.NewDense(1, d, dBeta))
	return dx, nil
}
