package lora

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

type EncoderLayerConfig struct {
	Dim          int
	Heads        int
	FeedForward  int
	Dropout      float64       // residual, hidden and output dropout
	Activation   nn.Activation // nil defaults to GELU
	LayerNormEps float64       // 0 defaults to 1e-5
	NormFirst    bool
	LoRA         Config
	Rand         *rand.Rand
}

func (c EncoderLayerConfig) Validate() error {
	if c.Dim <= 0 || c.Heads <= 0 || c.FeedForward <= 0 {
		return fmt.Errorf("lora: encoder needs positive sizes, got dim %d heads %d ff %d",
			c.Dim, c.Heads, c.FeedForward)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("lora: dim %d not divisible by %d heads", c.Dim, c.Heads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora: encoder dropout %v outside [0,1)", c.Dropout)
	}
	return c.LoRA.Validate()
}

// EncoderOptions tunes a single encoder forward pass. The zero value (and a
// nil pointer) computes the full embedding without attention weights.
type EncoderOptions struct {
	// Hidden carries this layer's inputs for positions processed earlier.
	// Keys and values then cover hidden followed by x while queries cover x
	// only, so appending one token costs one query row instead of a full
	// recompute. This path is inference-only.
	Hidden *nn.Tensor
	// NoEmbedding skips the residual and feed-forward stages; the forward
	// returns a nil tensor and just the attention weights.
	NoEmbedding bool
	NeedWeights bool
}

// EncoderLayer is a single pre- or post-norm transformer encoder layer with
// low-rank adapters on the attention projections and both feed-forward
// linears.
//
// In pre-norm form the output residual stream is returned unnormalized:
// x + drop(attn) + ff(...) with no trailing norm. Stacks built from this
// layer get their final normalization from the next layer's norm1, and the
// caller of the last layer decides what to do with the raw stream.
type EncoderLayer struct {
	SelfAttn            *MultiheadAttention
	Linear1, Linear2    *Linear
	Norm1, Norm2        *nn.LayerNorm
	Drop1, Drop2, Drop3 *nn.Dropout

	act       nn.Activation
	normFirst bool
	dim       int

	ffPre     *mat.Dense
	lastX     *nn.Tensor
	lastTrain bool
}

func NewEncoderLayer(cfg EncoderLayerConfig) (*EncoderLayer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := initRand(cfg.Rand)
	eps := cfg.LayerNormEps
	if eps == 0 {
		eps = 1e-5
	}
	act := cfg.Activation
	if act == nil {
		act = nn.GELU{}
	}
	attn, err := NewMultiheadAttention(AttentionConfig{
		Dim:     cfg.Dim,
		Heads:   cfg.Heads,
		Dropout: cfg.Dropout,
		LoRA:    cfg.LoRA,
		Rand:    rng,
	})
	if err != nil {
		return nil, err
	}
	l1, err := NewLinear(LinearConfig{In: cfg.Dim, Out: cfg.FeedForward, LoRA: cfg.LoRA, Rand: rng})
	if err != nil {
		return nil, err
	}
	l2, err := NewLinear(LinearConfig{In: cfg.FeedForward, Out: cfg.Dim, LoRA: cfg.LoRA, Rand: rng})
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		SelfAttn:  attn,
		Linear1:   l1,
		Linear2:   l2,
		Norm1:     nn.NewLayerNorm(cfg.Dim, eps),
		Norm2:     nn.NewLayerNorm(cfg.Dim, eps),
		Drop1:     nn.NewDropout(cfg.Dropout),
		Drop2:     nn.NewDropout(cfg.Dropout),
		Drop3:     nn.NewDropout(cfg.Dropout),
		act:       act,
		normFirst: cfg.NormFirst,
		dim:       cfg.Dim,
	}, nil
}

func (l *EncoderLayer) Parameters() []*nn.Parameter {
	ps := l.SelfAttn.Parameters()
	ps = append(ps, l.Linear1.Parameters()...)
	ps = append(ps, l.Linear2.Parameters()...)
	ps = append(ps, l.Norm1.Parameters()...)
	ps = append(ps, l.Norm2.Parameters()...)
	return ps
}

func (l *EncoderLayer) Merged() bool {
	return l.SelfAttn.Merged() && l.Linear1.Merged() && l.Linear2.Merged()
}

// MergeLoRA folds the adapters of the attention projections and both
// feed-forward linears into their base weights. Calling it again is a
// no-op.
func (l *EncoderLayer) MergeLoRA() {
	l.SelfAttn.MergeLoRA()
	l.Linear1.MergeLoRA()
	l.Linear2.MergeLoRA()
}

// SetTraining toggles every dropout in the layer.
func (l *EncoderLayer) SetTraining(on bool) {
	l.SelfAttn.SetTraining(on)
	l.Linear1.SetTraining(on)
	l.Linear2.SetTraining(on)
	l.Drop1.SetTraining(on)
	l.Drop2.SetTraining(on)
	l.Drop3.SetTraining(on)
}

func (l *EncoderLayer) Forward(x *nn.Tensor, mask *nn.Mask, opts *EncoderOptions) (*nn.Tensor, *nn.Weights, error) {
	if opts == nil {
		opts = &EncoderOptions{}
	}
	if x.Dim != l.dim {
		return nil, nil, fmt.Errorf("lora: encoder got dim %d, want %d", x.Dim, l.dim)
	}
	nx := x
	if l.normFirst {
		rows, err := l.Norm1.Forward(x.Rows())
		if err != nil {
			return nil, nil, err
		}
		if nx, err = nn.FromRows(x.Batch, x.Seq, rows); err != nil {
			return nil, nil, err
		}
	}
	kv := nx
	if opts.Hidden != nil {
		hid := opts.Hidden
		if l.normFirst {
			hrows, err := l.Norm1.Forward(hid.Rows())
			if err != nil {
				return nil, nil, err
			}
			if hid, err = nn.FromRows(hid.Batch, hid.Seq, hrows); err != nil {
				return nil, nil, err
			}
		}
		var err error
		if kv, err = hid.CatSeq(nx); err != nil {
			return nil, nil, err
		}
	}
	e, w, err := l.SelfAttn.Forward(nx, kv, mask, opts.NeedWeights)
	if err != nil {
		return nil, nil, err
	}
	l.lastTrain = opts.Hidden == nil && !opts.NoEmbedding
	if opts.NoEmbedding {
		return nil, w, nil
	}
	l.lastX = x

	de, err := nn.FromRows(x.Batch, x.Seq, l.Drop1.Forward(e.Rows()))
	if err != nil {
		return nil, nil, err
	}
	u, err := x.Add(de)
	if err != nil {
		return nil, nil, err
	}
	if l.normFirst {
		z, err := l.Norm2.Forward(u.Rows())
		if err != nil {
			return nil, nil, err
		}
		f, err := l.ff(z)
		if err != nil {
			return nil, nil, err
		}
		out := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
		out.Add(u.Rows(), f)
		res, err := nn.FromRows(x.Batch, x.Seq, out)
		if err != nil {
			return nil, nil, err
		}
		return res, w, nil
	}
	un, err := l.Norm1.Forward(u.Rows())
	if err != nil {
		return nil, nil, err
	}
	f, err := l.ff(un)
	if err != nil {
		return nil, nil, err
	}
	sum := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
	sum.Add(un, f)
	on, err := l.Norm2.Forward(sum)
	if err != nil {
		return nil, nil, err
	}
	res, err := nn.FromRows(x.Batch, x.Seq, on)
	if err != nil {
		return nil, nil, err
	}
	return res, w, nil
}

// Backward consumes dOut from the last full training forward (no cached
// history, embedding computed) and returns dX.
func (l *EncoderLayer) Backward(dOut *nn.Tensor) (*nn.Tensor, error) {
	if l.lastX == nil || !l.lastTrain {
		return nil, fmt.Errorf("lora: encoder backward needs a full training forward")
	}
	x := l.lastX
	if dOut.Batch != x.Batch || dOut.Seq != x.Seq || dOut.Dim != l.dim {
		return nil, fmt.Errorf("lora: encoder backward shape (%d,%d,%d) does not match forward",
			dOut.Batch, dOut.Seq, dOut.Dim)
	}
	if l.normFirst {
		dz, err := l.ffBackward(dOut.Rows())
		if err != nil {
			return nil, err
		}
		duN2, err := l.Norm2.Backward(dz)
		if err != nil {
			return nil, err
		}
		du := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
		du.Add(dOut.Rows(), duN2)

		de := l.Drop1.Backward(du)
		det, err := nn.FromRows(x.Batch, x.Seq, de)
		if err != nil {
			return nil, err
		}
		dnx, err := l.SelfAttn.Backward(det)
		if err != nil {
			return nil, err
		}
		dxN1, err := l.Norm1.Backward(dnx.Rows())
		if err != nil {
			return nil, err
		}
		dx := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
		dx.Add(du, dxN1)
		return nn.FromRows(x.Batch, x.Seq, dx)
	}
	dt, err := l.Norm2.Backward(dOut.Rows())
	if err != nil {
		return nil, err
	}
	duFF, err := l.ffBackward(dt)
	if err != nil {
		return nil, err
	}
	du := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
	du.Add(dt, duFF)
	ds, err := l.Norm1.Backward(du)
	if err != nil {
		return nil, err
	}
	de := l.Drop1.Backward(ds)
	det, err := nn.FromRows(x.Batch, x.Seq, de)
	if err != nil {
		return nil, err
	}
	dxAttn, err := l.SelfAttn.Backward(det)
	if err != nil {
		return nil, err
	}
	dx := mat.NewDense(x.Batch*x.Seq, l.dim, nil)
	dx.Add(ds, dxAttn.Rows())
	return nn.FromRows(x.Batch, x.Seq, dx)
}

// ff is drop3(linear2(drop2(act(linear1(x))))).
func (l *EncoderLayer) ff(x *mat.Dense) (*mat.Dense, error) {
	h, err := l.Linear1.Forward(x)
	if err != nil {
		return nil, err
	}
	l.ffPre = h
	r, c := h.Dims()
	a := mat.NewDense(r, c, nil)
	a.Apply(func(_, _ int, v float64) float64 { return l.act.Apply(v) }, h)
	h2, err := l.Linear2.Forward(l.Drop2.Forward(a))
	if err != nil {
		return nil, err
	}
	return l.Drop3.Forward(h2), nil
}

func (l *EncoderLayer) ffBackward(df *mat.Dense) (*mat.Dense, error) {
	t := l.Drop3.Backward(df)
	t, err := l.Linear2.Backward(t)
	if err != nil {
		return nil, err
	}
	t = l.Drop2.Backward(t)
	r, c := t.Dims()
	dpre := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		tr := t.RawRowView(i)
		pr := l.ffPre.RawRowView(i)
		dr := dpre.RawRowView(i)
		for j := 0; j < c; j++ {
			dr[j] = tr[j] * l.act.Prime(pr[j])
		}
	}
	return l.Linear1.Backward(dpre)
}
