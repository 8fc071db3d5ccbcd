package lora

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/micpst/chytorch/nn"
)

type AttentionConfig struct {
	Dim     int
	Heads   int
	Dropout float64 // dropout on attention weights
	LoRA    Config
	Rand    *rand.Rand
}

func (c AttentionConfig) Validate() error {
	if c.Dim <= 0 || c.Heads <= 0 {
		return fmt.Errorf("lora: attention needs positive sizes, got dim %d heads %d", c.Dim, c.Heads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("lora: dim %d not divisible by %d heads", c.Dim, c.Heads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora: attention dropout %v outside [0,1)", c.Dropout)
	}
	return c.LoRA.Validate()
}

// MultiheadAttention is scaled dot-product attention over adapted q, k, v
// and output projections. Keys and values may cover more positions than
// queries, which is how the encoder layer attends over cached history.
//
// Head scores for the whole batch are stacked into one (B*H*Sq, Sk) matrix
// so masking, softmax and weight dropout each run in a single pass.
type MultiheadAttention struct {
	QProj, KProj, VProj, OProj *Linear

	cfg     AttentionConfig
	headDim int
	drop    *nn.Dropout

	lastSelf              bool
	lastB, lastSq, lastSk int
	lastQ, lastK, lastV   *mat.Dense
	lastProbs             *mat.Dense
	lastDropped           *mat.Dense
}

func NewMultiheadAttention(cfg AttentionConfig) (*MultiheadAttention, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := initRand(cfg.Rand)
	proj := func() (*Linear, error) {
		return NewLinear(LinearConfig{In: cfg.Dim, Out: cfg.Dim, LoRA: cfg.LoRA, Rand: rng})
	}
	a := &MultiheadAttention{
		cfg:     cfg,
		headDim: cfg.Dim / cfg.Heads,
		drop:    nn.NewDropout(cfg.Dropout),
	}
	var err error
	if a.QProj, err = proj(); err != nil {
		return nil, err
	}
	if a.KProj, err = proj(); err != nil {
		return nil, err
	}
	if a.VProj, err = proj(); err != nil {
		return nil, err
	}
	if a.OProj, err = proj(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *MultiheadAttention) Parameters() []*nn.Parameter {
	var ps []*nn.Parameter
	for _, l := range a.projections() {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

func (a *MultiheadAttention) Merged() bool { return a.QProj.Merged() }

// MergeLoRA folds every projection's adapter into its base weight.
func (a *MultiheadAttention) MergeLoRA() {
	for _, l := range a.projections() {
		l.MergeLoRA()
	}
}

// SetTraining toggles weight dropout and the adapter-branch dropouts.
func (a *MultiheadAttention) SetTraining(on bool) {
	a.drop.SetTraining(on)
	for _, l := range a.projections() {
		l.SetTraining(on)
	}
}

// SeedDropout re-seeds the weight-dropout mask source.
func (a *MultiheadAttention) SeedDropout(seed int64) { a.drop.Seed(seed) }

func (a *MultiheadAttention) projections() []*Linear {
	return []*Linear{a.QProj, a.KProj, a.VProj, a.OProj}
}

// Forward attends query positions over kv positions. A nil kv attends the
// query over itself. The mask is added to the logits before softmax; pass
// needWeights to also receive the post-softmax probabilities.
func (a *MultiheadAttention) Forward(query, kv *nn.Tensor, mask *nn.Mask, needWeights bool) (*nn.Tensor, *nn.Weights, error) {
	self := kv == nil || kv == query
	if kv == nil {
		kv = query
	}
	if query.Dim != a.cfg.Dim || kv.Dim != a.cfg.Dim {
		return nil, nil, fmt.Errorf("lora: attention got dims (%d,%d), want %d", query.Dim, kv.Dim, a.cfg.Dim)
	}
	if query.Batch != kv.Batch {
		return nil, nil, fmt.Errorf("lora: attention batch mismatch %d vs %d", query.Batch, kv.Batch)
	}
	q, err := a.QProj.Forward(query.Rows())
	if err != nil {
		return nil, nil, err
	}
	k, err := a.KProj.Forward(kv.Rows())
	if err != nil {
		return nil, nil, err
	}
	v, err := a.VProj.Forward(kv.Rows())
	if err != nil {
		return nil, nil, err
	}
	B, Sq, Sk, H, hd := query.Batch, query.Seq, kv.Seq, a.cfg.Heads, a.headDim
	invSqrt := 1.0 / math.Sqrt(float64(hd))

	scores := mat.NewDense(B*H*Sq, Sk, nil)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			qh := q.Slice(b*Sq, (b+1)*Sq, h*hd, (h+1)*hd).(*mat.Dense)
			kh := k.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)
			block := scores.Slice((b*H+h)*Sq, (b*H+h+1)*Sq, 0, Sk).(*mat.Dense)
			blas64.Gemm(blas.NoTrans, blas.Trans, invSqrt, qh.RawMatrix(), kh.RawMatrix(), 0, block.RawMatrix())
		}
	}
	if mask != nil {
		if err := mask.Compatible(B, H, Sq, Sk); err != nil {
			return nil, nil, err
		}
		for b := 0; b < B; b++ {
			for h := 0; h < H; h++ {
				for qi := 0; qi < Sq; qi++ {
					row := scores.RawRowView((b*H+h)*Sq + qi)
					for ki := 0; ki < Sk; ki++ {
						row[ki] += mask.At(b, h, qi, ki)
					}
				}
			}
		}
	}
	softmaxRows(scores)

	var weights *nn.Weights
	if needWeights {
		if weights, err = nn.WeightsFromRows(B, H, Sq, Sk, scores); err != nil {
			return nil, nil, err
		}
	}
	dropped := a.drop.Forward(scores)

	concat := mat.NewDense(B*Sq, a.cfg.Dim, nil)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			pblock := dropped.Slice((b*H+h)*Sq, (b*H+h+1)*Sq, 0, Sk).(*mat.Dense)
			vh := v.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)
			oblock := concat.Slice(b*Sq, (b+1)*Sq, h*hd, (h+1)*hd).(*mat.Dense)
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, pblock.RawMatrix(), vh.RawMatrix(), 0, oblock.RawMatrix())
		}
	}
	final, err := a.OProj.Forward(concat)
	if err != nil {
		return nil, nil, err
	}
	out, err := nn.FromRows(B, Sq, final)
	if err != nil {
		return nil, nil, err
	}
	a.lastSelf = self
	a.lastB, a.lastSq, a.lastSk = B, Sq, Sk
	a.lastQ, a.lastK, a.lastV = q, k, v
	a.lastProbs = scores
	a.lastDropped = dropped
	return out, weights, nil
}

// Backward consumes dOut from the last Forward and returns the gradient
// with respect to the query input. It is defined for the self-attention
// path only; the cached-history path is inference-only.
func (a *MultiheadAttention) Backward(dOut *nn.Tensor) (*nn.Tensor, error) {
	if a.lastProbs == nil {
		return nil, fmt.Errorf("lora: attention backward before forward")
	}
	if !a.lastSelf {
		return nil, fmt.Errorf("lora: attention backward needs the self-attention path")
	}
	B, Sq, Sk, H, hd := a.lastB, a.lastSq, a.lastSk, a.cfg.Heads, a.headDim
	if dOut.Batch != B || dOut.Seq != Sq || dOut.Dim != a.cfg.Dim {
		return nil, fmt.Errorf("lora: attention backward shape (%d,%d,%d) does not match forward",
			dOut.Batch, dOut.Seq, dOut.Dim)
	}
	invSqrt := 1.0 / math.Sqrt(float64(hd))

	dConcat, err := a.OProj.Backward(dOut.Rows())
	if err != nil {
		return nil, err
	}
	dDropped := mat.NewDense(B*H*Sq, Sk, nil)
	dV := mat.NewDense(B*Sk, a.cfg.Dim, nil)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			dblock := dConcat.Slice(b*Sq, (b+1)*Sq, h*hd, (h+1)*hd).(*mat.Dense)
			vh := a.lastV.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)
			pblock := a.lastDropped.Slice((b*H+h)*Sq, (b*H+h+1)*Sq, 0, Sk).(*mat.Dense)

			dpblock := dDropped.Slice((b*H+h)*Sq, (b*H+h+1)*Sq, 0, Sk).(*mat.Dense)
			blas64.Gemm(blas.NoTrans, blas.Trans, 1, dblock.RawMatrix(), vh.RawMatrix(), 0, dpblock.RawMatrix())

			dvh := dV.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)
			blas64.Gemm(blas.Trans, blas.NoTrans, 1, pblock.RawMatrix(), dblock.RawMatrix(), 0, dvh.RawMatrix())
		}
	}
	dProbs := a.drop.Backward(dDropped)
	dScores := softmaxBackward(a.lastProbs, dProbs)

	dQ := mat.NewDense(B*Sq, a.cfg.Dim, nil)
	dK := mat.NewDense(B*Sk, a.cfg.Dim, nil)
	for b := 0; b < B; b++ {
		for h := 0; h < H; h++ {
			sblock := dScores.Slice((b*H+h)*Sq, (b*H+h+1)*Sq, 0, Sk).(*mat.Dense)
			qh := a.lastQ.Slice(b*Sq, (b+1)*Sq, h*hd, (h+1)*hd).(*mat.Dense)
			kh := a.lastK.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)

			dqh := dQ.Slice(b*Sq, (b+1)*Sq, h*hd, (h+1)*hd).(*mat.Dense)
			blas64.Gemm(blas.NoTrans, blas.NoTrans, invSqrt, sblock.RawMatrix(), kh.RawMatrix(), 0, dqh.RawMatrix())

			dkh := dK.Slice(b*Sk, (b+1)*Sk, h*hd, (h+1)*hd).(*mat.Dense)
			blas64.Gemm(blas.Trans, blas.NoTrans, invSqrt, sblock.RawMatrix(), qh.RawMatrix(), 0, dkh.RawMatrix())
		}
	}
	dIn, err := a.QProj.Backward(dQ)
	if err != nil {
		return nil, err
	}
	dkIn, err := a.KProj.Backward(dK)
	if err != nil {
		return nil, err
	}
	dvIn, err := a.VProj.Backward(dV)
	if err != nil {
		return nil, err
	}
	dIn.Add(dIn, dkIn)
	dIn.Add(dIn, dvIn)
	return nn.FromRows(B, Sq, dIn)
}

// softmaxRows normalizes each row in place with max subtraction. A row
// whose maximum is -inf was fully masked and becomes all zeros.
func softmaxRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		mx := row[0]
		for _, v := range row[1:] {
			if v > mx {
				mx = v
			}
		}
		if math.IsInf(mx, -1) {
			for j := 0; j < c; j++ {
				row[j] = 0
			}
			continue
		}
		sum := 0.0
		for j, v := range row {
			e := math.Exp(v - mx)
			row[j] = e
			sum += e
		}
		inv := 1.0 / sum
		for j := range row {
			row[j] *= inv
		}
	}
}

// softmaxBackward maps dL/dprobs to dL/dlogits row by row:
// ds = p * (dp - sum(dp*p)).
func softmaxBackward(probs, dProbs *mat.Dense) *mat.Dense {
	r, c := probs.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		p := probs.RawRowView(i)
		dp := dProbs.RawRowView(i)
		dot := 0.0
		for j := 0; j < c; j++ {
			dot += dp[j] * p[j]
		}
		o := out.RawRowView(i)
		for j := 0; j < c; j++ {
			o[j] = p[j] * (dp[j] - dot)
		}
	}
	return out
}
