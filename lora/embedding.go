package lora

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

// NoIndex marks the PaddingIdx and NegInfIdx options as unset.
const NoIndex = -1

type EmbeddingConfig struct {
	NumEmbeddings int
	Dim           int
	PaddingIdx    int // row kept at zero and excluded from updates; NoIndex disables
	NegInfIdx     int // row pinned to -inf; NoIndex disables
	LoRA          Config
	Rand          *rand.Rand // weight init source; nil picks a random seed
}

func (c EmbeddingConfig) Validate() error {
	if c.NumEmbeddings <= 0 || c.Dim <= 0 {
		return fmt.Errorf("lora: embedding needs positive sizes, got (%d,%d)", c.NumEmbeddings, c.Dim)
	}
	if c.PaddingIdx != NoIndex && (c.PaddingIdx < 0 || c.PaddingIdx >= c.NumEmbeddings) {
		return fmt.Errorf("lora: padding index %d outside table of %d", c.PaddingIdx, c.NumEmbeddings)
	}
	if c.NegInfIdx != NoIndex && (c.NegInfIdx < 0 || c.NegInfIdx >= c.NumEmbeddings) {
		return fmt.Errorf("lora: neg-inf index %d outside table of %d", c.NegInfIdx, c.NumEmbeddings)
	}
	return c.LoRA.Validate()
}

// Embedding is a lookup table with an optional low-rank adapter. Lookups
// gather base rows and add the adapter correction in one fused multiply-add
// over the gathered rows; the full corrected table is never materialized.
//
// NegInfIdx pins one row to -inf. Fed into attention as an additive bias,
// that row drives logits to -inf so the marked token vanishes after
// softmax. The row is written once at construction and excluded from every
// gradient update, before and after merging.
type Embedding struct {
	Weight *nn.Parameter // (NumEmbeddings, Dim)

	cfg EmbeddingConfig
	ad  *adapter

	lastIdx   [][]int
	lastARows *mat.Dense
}

func NewEmbedding(cfg EmbeddingConfig) (*Embedding, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := initRand(cfg.Rand)
	w := mat.NewDense(cfg.NumEmbeddings, cfg.Dim, nil)
	for i := 0; i < cfg.NumEmbeddings; i++ {
		for j := 0; j < cfg.Dim; j++ {
			w.Set(i, j, rng.NormFloat64())
		}
	}
	if cfg.PaddingIdx != NoIndex {
		zeroRow(w, cfg.PaddingIdx)
	}
	if cfg.NegInfIdx != NoIndex {
		fillRow(w, cfg.NegInfIdx, math.Inf(-1))
	}
	e := &Embedding{
		Weight: nn.NewParameter(w, cfg.LoRA.R == 0),
		cfg:    cfg,
	}
	if cfg.LoRA.R > 0 {
		e.ad = newAdapter(cfg.NumEmbeddings, cfg.Dim, cfg.LoRA, rng)
	}
	return e, nil
}

func (e *Embedding) Parameters() []*nn.Parameter {
	if e.ad == nil {
		return []*nn.Parameter{e.Weight}
	}
	return []*nn.Parameter{e.Weight, e.ad.a, e.ad.b}
}

// Merged reports whether no adapter is attached, either because the layer
// was built with rank zero or because MergeLoRA already folded it.
func (e *Embedding) Merged() bool { return e.ad == nil }

// Forward looks up a batch of equal-length index sequences.
func (e *Embedding) Forward(idx [][]int) (*nn.Tensor, error) {
	batch := len(idx)
	if batch == 0 || len(idx[0]) == 0 {
		return nil, fmt.Errorf("lora: embedding lookup on empty batch")
	}
	seq := len(idx[0])
	out := nn.NewTensor(batch, seq, e.cfg.Dim)
	rows := out.Rows()
	var aRows *mat.Dense
	if e.ad != nil {
		aRows = mat.NewDense(batch*seq, e.cfg.LoRA.R, nil)
	}
	n := 0
	for b, sample := range idx {
		if len(sample) != seq {
			return nil, fmt.Errorf("lora: ragged lookup, sample %d has %d indices, want %d", b, len(sample), seq)
		}
		for _, id := range sample {
			if id < 0 || id >= e.cfg.NumEmbeddings {
				return nil, fmt.Errorf("lora: index %d outside table of %d", id, e.cfg.NumEmbeddings)
			}
			rows.SetRow(n, e.Weight.Value.RawRowView(id))
			if aRows != nil {
				aRows.SetRow(n, e.ad.a.Value.RawRowView(id))
			}
			n++
		}
	}
	if e.ad != nil {
		e.ad.correctInto(rows, aRows)
	}
	e.lastIdx = idx
	e.lastARows = aRows
	return out, nil
}

// Backward scatters dOut into the gradients of whichever side is live: the
// base table when the layer is plain, the adapter factors while one is
// attached. Pinned rows never accumulate.
func (e *Embedding) Backward(dOut *nn.Tensor) error {
	if e.lastIdx == nil {
		return fmt.Errorf("lora: embedding backward before forward")
	}
	seq := len(e.lastIdx[0])
	if dOut.Batch != len(e.lastIdx) || dOut.Seq != seq || dOut.Dim != e.cfg.Dim {
		return fmt.Errorf("lora: embedding backward shape (%d,%d,%d) does not match lookup",
			dOut.Batch, dOut.Seq, dOut.Dim)
	}
	d := dOut.Rows()
	if e.ad == nil {
		n := 0
		for _, sample := range e.lastIdx {
			for _, id := range sample {
				if !e.pinned(id) {
					e.Weight.AddGradRow(id, d.RawRowView(n))
				}
				n++
			}
		}
		return nil
	}
	// dB = scaling * dOut^T @ gathered(a); pinned rows of a are zero so
	// their positions contribute nothing.
	var db mat.Dense
	db.Mul(d.T(), e.lastARows)
	db.Scale(e.ad.scaling, &db)
	e.ad.b.AddGrad(&db)
	rowGrad := make([]float64, e.cfg.LoRA.R)
	n := 0
	for _, sample := range e.lastIdx {
		for _, id := range sample {
			if !e.pinned(id) {
				dr := d.RawRowView(n)
				for q := 0; q < e.cfg.LoRA.R; q++ {
					s := 0.0
					for j := 0; j < e.cfg.Dim; j++ {
						s += dr[j] * e.ad.b.Value.At(j, q)
					}
					rowGrad[q] = e.ad.scaling * s
				}
				e.ad.a.AddGradRow(id, rowGrad)
			}
			n++
		}
	}
	return nil
}

// MergeLoRA folds the adapter into the base table, restores base
// trainability and drops the factors. Calling it again is a no-op. The
// pinned -inf row survives the fold: its adapter row is zero, and -inf
// plus any finite correction is still -inf.
func (e *Embedding) MergeLoRA() {
	if e.ad == nil {
		return
	}
	e.ad.mergeInto(e.Weight.Value)
	e.Weight.Trainable = true
	e.ad = nil
}

func (e *Embedding) pinned(id int) bool {
	return id == e.cfg.PaddingIdx || id == e.cfg.NegInfIdx
}

func zeroRow(m *mat.Dense, i int) {
	row := m.RawRowView(i)
	for j := range row {
		row[j] = 0
	}
}

func fillRow(m *mat.Dense, i int, v float64) {
	row := m.RawRowView(i)
	for j := range row {
		row[j] = v
	}
}
