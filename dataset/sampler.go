package dataset

import (
	"fmt"
	"math/rand"
	"sort"
)

// StructureSampler partitions dataset indices into batches of samples with
// similar sizes, so each batch pads to roughly one length. With shuffling
// on, ties between equal-size samples and the order of the batches are
// re-randomized on every Batches call; the grouping itself stays.
type StructureSampler struct {
	sizes     []int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

func NewStructureSampler(sizes []int, batchSize int, shuffle bool, seed int64) (*StructureSampler, error) {
	if len(sizes) == 0 {
		return nil, fmt.Errorf("dataset: sampler over no sizes")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size %d", batchSize)
	}
	return &StructureSampler{
		sizes:     sizes,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Batches returns a partition of all dataset indices.
func (s *StructureSampler) Batches() [][]int {
	idx := make([]int, len(s.sizes))
	for i := range idx {
		idx[i] = i
	}
	if s.shuffle {
		s.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	}
	sort.SliceStable(idx, func(i, j int) bool { return s.sizes[idx[i]] < s.sizes[idx[j]] })
	var batches [][]int
	for from := 0; from < len(idx); from += s.batchSize {
		to := from + s.batchSize
		if to > len(idx) {
			to = len(idx)
		}
		batches = append(batches, idx[from:to:to])
	}
	if s.shuffle {
		s.rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches
}

// Len returns the number of batches per pass.
func (s *StructureSampler) Len() int {
	return (len(s.sizes) + s.batchSize - 1) / s.batchSize
}
