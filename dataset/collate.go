package dataset

import (
	"fmt"

	"github.com/micpst/chytorch/nn"
)

// Batch is a padded batch of samples: index matrices for the embedding
// tables, the original lengths and an additive attention mask hiding the
// padded key positions.
type Batch struct {
	Atoms     [][]int
	Neighbors [][]int
	Roles     [][]int // nil unless the samples carry roles
	Distances [][][]int
	Lengths   []int
	Mask      *nn.Mask
}

// Size returns the padded sequence length.
func (b *Batch) Size() int {
	if len(b.Atoms) == 0 {
		return 0
	}
	return len(b.Atoms[0])
}

// Collate pads samples to the longest one. Atom, neighbor, role and
// distance channels pad with PadToken, so embeddings pinned at index 0
// turn padding into -inf bias; the returned mask encodes the same thing
// for models that skip the distance channel.
func Collate(samples []Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("dataset: collate of no samples")
	}
	withRoles := samples[0].Roles != nil
	max := 0
	for i, s := range samples {
		if s.Len() == 0 {
			return nil, fmt.Errorf("dataset: sample %d is empty", i)
		}
		if (s.Roles != nil) != withRoles {
			return nil, fmt.Errorf("dataset: sample %d mixes role-tagged and plain samples", i)
		}
		if s.Len() > max {
			max = s.Len()
		}
	}
	b := &Batch{
		Atoms:     make([][]int, len(samples)),
		Neighbors: make([][]int, len(samples)),
		Distances: make([][][]int, len(samples)),
		Lengths:   make([]int, len(samples)),
	}
	if withRoles {
		b.Roles = make([][]int, len(samples))
	}
	for i, s := range samples {
		n := s.Len()
		b.Lengths[i] = n
		b.Atoms[i] = padRow(s.Atoms, max)
		b.Neighbors[i] = padRow(s.Neighbors, max)
		if withRoles {
			b.Roles[i] = padRow(s.Roles, max)
		}
		d := make([][]int, max)
		for r := 0; r < max; r++ {
			if r < n {
				d[r] = padRow(s.Distances[r], max)
			} else {
				d[r] = make([]int, max)
			}
		}
		b.Distances[i] = d
	}
	b.Mask = nn.PaddingMask(b.Lengths, max)
	return b, nil
}

// CollateSequences pads plain index sequences with PadToken and builds the
// matching padding mask.
func CollateSequences(seqs [][]int) ([][]int, []int, *nn.Mask, error) {
	if len(seqs) == 0 {
		return nil, nil, nil, fmt.Errorf("dataset: collate of no sequences")
	}
	max := 0
	for i, s := range seqs {
		if len(s) == 0 {
			return nil, nil, nil, fmt.Errorf("dataset: sequence %d is empty", i)
		}
		if len(s) > max {
			max = len(s)
		}
	}
	out := make([][]int, len(seqs))
	lengths := make([]int, len(seqs))
	for i, s := range seqs {
		out[i] = padRow(s, max)
		lengths[i] = len(s)
	}
	return out, lengths, nn.PaddingMask(lengths, max), nil
}

func padRow(row []int, n int) []int {
	out := make([]int, n)
	copy(out, row)
	return out
}
