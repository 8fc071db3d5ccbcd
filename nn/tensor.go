// Package nn provides the building blocks the LoRA layers are assembled
// from: batched sequence tensors and additive attention masks backed by
// gonum matrices, layer normalization, inverted dropout, activations and
// the trainable Parameter type the optimizer consumes.
package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a batch of equal-length sequences of feature vectors, indexed
// (batch, position, feature). Storage is a single row-major (Batch*Seq, Dim)
// matrix so whole-batch products run as one BLAS call.
type Tensor struct {
	Batch, Seq, Dim int

	data *mat.Dense
}

func NewTensor(batch, seq, dim int) *Tensor {
	return &Tensor{Batch: batch, Seq: seq, Dim: dim, data: mat.NewDense(batch*seq, dim, nil)}
}

// FromRows wraps an existing (batch*seq, dim) row matrix without copying.
func FromRows(batch, seq int, rows *mat.Dense) (*Tensor, error) {
	r, dim := rows.Dims()
	if batch <= 0 || seq <= 0 || r != batch*seq {
		return nil, fmt.Errorf("nn: %d rows cannot hold %d sequences of length %d", r, batch, seq)
	}
	return &Tensor{Batch: batch, Seq: seq, Dim: dim, data: rows}, nil
}

// Rows exposes the underlying (Batch*Seq, Dim) matrix. Mutations write
// through to the tensor.
func (t *Tensor) Rows() *mat.Dense { return t.data }

// Sample returns the (Seq, Dim) block of sample b, sharing storage.
func (t *Tensor) Sample(b int) *mat.Dense {
	return t.data.Slice(b*t.Seq, (b+1)*t.Seq, 0, t.Dim).(*mat.Dense)
}

func (t *Tensor) At(b, s, d int) float64 { return t.data.At(b*t.Seq+s, d) }

func (t *Tensor) Set(b, s, d int, v float64) { t.data.Set(b*t.Seq+s, d, v) }

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Batch: t.Batch, Seq: t.Seq, Dim: t.Dim, data: mat.DenseCopyOf(t.data)}
}

// Add returns t + u elementwise.
func (t *Tensor) Add(u *Tensor) (*Tensor, error) {
	if t.Batch != u.Batch || t.Seq != u.Seq || t.Dim != u.Dim {
		return nil, fmt.Errorf("nn: add shape mismatch (%d,%d,%d) vs (%d,%d,%d)",
			t.Batch, t.Seq, t.Dim, u.Batch, u.Seq, u.Dim)
	}
	out := NewTensor(t.Batch, t.Seq, t.Dim)
	out.data.Add(t.data, u.data)
	return out, nil
}

// CatSeq concatenates u after t along the sequence axis.
func (t *Tensor) CatSeq(u *Tensor) (*Tensor, error) {
	if t.Batch != u.Batch || t.Dim != u.Dim {
		return nil, fmt.Errorf("nn: cat shape mismatch (%d,*,%d) vs (%d,*,%d)",
			t.Batch, t.Dim, u.Batch, u.Dim)
	}
	out := NewTensor(t.Batch, t.Seq+u.Seq, t.Dim)
	for b := 0; b < t.Batch; b++ {
		dst := out.Sample(b)
		dst.Slice(0, t.Seq, 0, t.Dim).(*mat.Dense).Copy(t.Sample(b))
		dst.Slice(t.Seq, t.Seq+u.Seq, 0, t.Dim).(*mat.Dense).Copy(u.Sample(b))
	}
	return out, nil
}

// SliceSeq copies positions [from, to) of every sample into a new tensor.
func (t *Tensor) SliceSeq(from, to int) (*Tensor, error) {
	if from < 0 || to > t.Seq || from >= to {
		return nil, fmt.Errorf("nn: slice [%d,%d) outside sequence of length %d", from, to, t.Seq)
	}
	out := NewTensor(t.Batch, to-from, t.Dim)
	for b := 0; b < t.Batch; b++ {
		out.Sample(b).Copy(t.Sample(b).Slice(from, to, 0, t.Dim))
	}
	return out, nil
}
