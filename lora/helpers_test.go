package lora

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

func fillNormal(m *mat.Dense, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, 0.3*rng.NormFloat64())
		}
	}
}

func randDense(r, c int, seed int64) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	fillNormal(m, seed)
	return m
}

func randTensor(b, s, d int, seed int64) *nn.Tensor {
	t := nn.NewTensor(b, s, d)
	fillNormal(t.Rows(), seed)
	return t
}

func onesTensor(b, s, d int) *nn.Tensor {
	t := nn.NewTensor(b, s, d)
	rows := t.Rows()
	for i := 0; i < b*s; i++ {
		for j := 0; j < d; j++ {
			rows.Set(i, j, 1)
		}
	}
	return t
}

func onesLike(t *nn.Tensor) *nn.Tensor {
	return onesTensor(t.Batch, t.Seq, t.Dim)
}

func weightedSum(m, w *mat.Dense) float64 {
	r, c := m.Dims()
	s := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			s += m.At(i, j) * w.At(i, j)
		}
	}
	return s
}

func assertClose(t *testing.T, a, b *mat.Dense, tol float64) {
	t.Helper()
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		t.Fatalf("shape mismatch (%d,%d) vs (%d,%d)", ar, ac, br, bc)
	}
	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			if math.Abs(a.At(i, j)-b.At(i, j)) > tol {
				t.Fatalf("entry (%d,%d): %.12g vs %.12g", i, j, a.At(i, j), b.At(i, j))
			}
		}
	}
}
