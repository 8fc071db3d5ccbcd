package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mask is an additive attention bias indexed (batch, head, query, key).
// Batch, head and query dimensions of size 1 broadcast over larger inputs,
// so a (1,1,S,S) causal mask or a (B,1,1,S) padding mask serves every head.
// Entries are added to attention logits before softmax; -inf removes a key.
type Mask struct {
	Batch, Heads, Queries, Keys int

	data []float64
}

func NewMask(batch, heads, queries, keys int) *Mask {
	return &Mask{
		Batch:   batch,
		Heads:   heads,
		Queries: queries,
		Keys:    keys,
		data:    make([]float64, batch*heads*queries*keys),
	}
}

// At reads the bias for (b, h, q, k), collapsing broadcast dimensions.
func (m *Mask) At(b, h, q, k int) float64 {
	if m.Batch == 1 {
		b = 0
	}
	if m.Heads == 1 {
		h = 0
	}
	if m.Queries == 1 {
		q = 0
	}
	return m.data[((b*m.Heads+h)*m.Queries+q)*m.Keys+k]
}

func (m *Mask) Set(b, h, q, k int, v float64) {
	m.data[((b*m.Heads+h)*m.Queries+q)*m.Keys+k] = v
}

// Compatible reports whether the mask broadcasts over an attention call
// with the given extents.
func (m *Mask) Compatible(batch, heads, queries, keys int) error {
	ok := (m.Batch == 1 || m.Batch == batch) &&
		(m.Heads == 1 || m.Heads == heads) &&
		(m.Queries == 1 || m.Queries == queries) &&
		m.Keys == keys
	if !ok {
		return fmt.Errorf("nn: mask (%d,%d,%d,%d) does not broadcast to (%d,%d,%d,%d)",
			m.Batch, m.Heads, m.Queries, m.Keys, batch, heads, queries, keys)
	}
	return nil
}

// CausalMask keeps position q attending to keys 0..q: zero on and below the
// diagonal, -inf above.
func CausalMask(n int) *Mask {
	m := NewMask(1, 1, n, n)
	for q := 0; q < n; q++ {
		for k := q + 1; k < n; k++ {
			m.Set(0, 0, q, k, math.Inf(-1))
		}
	}
	return m
}

// PaddingMask hides key positions at or beyond each sample's length.
func PaddingMask(lengths []int, seqLen int) *Mask {
	m := NewMask(len(lengths), 1, 1, seqLen)
	for b, n := range lengths {
		for k := n; k < seqLen; k++ {
			m.Set(b, 0, 0, k, math.Inf(-1))
		}
	}
	return m
}

// Weights holds post-softmax attention probabilities, one (query, key) grid
// per sample and head. Rows over keys sum to one unless the query was fully
// masked, in which case the row is zero.
type Weights struct {
	Batch, Heads, Queries, Keys int

	data []float64
}

func NewWeights(batch, heads, queries, keys int) *Weights {
	return &Weights{
		Batch:   batch,
		Heads:   heads,
		Queries: queries,
		Keys:    keys,
		data:    make([]float64, batch*heads*queries*keys),
	}
}

func (w *Weights) At(b, h, q, k int) float64 {
	return w.data[((b*w.Heads+h)*w.Queries+q)*w.Keys+k]
}

func (w *Weights) Set(b, h, q, k int, v float64) {
	w.data[((b*w.Heads+h)*w.Queries+q)*w.Keys+k] = v
}

// WeightsFromRows copies a stacked (batch*heads*queries, keys) probability
// matrix, the layout attention computes in, into a Weights grid.
func WeightsFromRows(batch, heads, queries, keys int, rows *mat.Dense) (*Weights, error) {
	r, c := rows.Dims()
	if r != batch*heads*queries || c != keys {
		return nil, fmt.Errorf("nn: weights rows (%d,%d) do not hold a (%d,%d,%d,%d) grid",
			r, c, batch, heads, queries, keys)
	}
	w := NewWeights(batch, heads, queries, keys)
	for i := 0; i < r; i++ {
		copy(w.data[i*keys:(i+1)*keys], rows.RawRowView(i))
	}
	return w, nil
}
