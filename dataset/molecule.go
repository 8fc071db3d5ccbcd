// Package dataset prepares molecular and reaction data for the encoder
// layers: tokenized samples, padding collation with additive attention
// masks, size-grouped batch sampling, a prefetching loader and small
// SQLite-backed stores.
//
// Token code 0 always means padding, which lines up with an embedding whose
// index 0 is pinned: padded positions then inject -inf bias and vanish from
// attention. Code 1 marks the CLS token on the atom, neighbor and role
// channels; on the distance channel it marks pairs with no bounded
// distance (CLS pairs and atoms of different molecules). Real values start
// at 2.
package dataset

import (
	"context"
	"fmt"
)

const (
	PadToken = 0
	ClsToken = 1

	// distance channel
	PairUnbounded = 1
	PairSelf      = 2

	defaultMaxDistance  = 10
	defaultMaxNeighbors = 14
)

// Molecule is a pre-encoded molecular graph: atomic numbers, explicit
// neighbor counts and a square matrix of topological distances. Distance
// -1 marks pairs with no path between them.
type Molecule struct {
	Atoms     []int
	Neighbors []int
	Distances [][]int
}

func (m Molecule) Validate() error {
	n := len(m.Atoms)
	if n == 0 {
		return fmt.Errorf("dataset: empty molecule")
	}
	if len(m.Neighbors) != n {
		return fmt.Errorf("dataset: %d neighbor counts for %d atoms", len(m.Neighbors), n)
	}
	if len(m.Distances) != n {
		return fmt.Errorf("dataset: %d distance rows for %d atoms", len(m.Distances), n)
	}
	for i, z := range m.Atoms {
		if z < 1 {
			return fmt.Errorf("dataset: atom %d has atomic number %d", i, z)
		}
		if m.Neighbors[i] < 0 {
			return fmt.Errorf("dataset: atom %d has %d neighbors", i, m.Neighbors[i])
		}
		if len(m.Distances[i]) != n {
			return fmt.Errorf("dataset: distance row %d has %d entries, want %d", i, len(m.Distances[i]), n)
		}
		for j, d := range m.Distances[i] {
			if d < -1 {
				return fmt.Errorf("dataset: distance (%d,%d) is %d", i, j, d)
			}
		}
		if m.Distances[i][i] != 0 {
			return fmt.Errorf("dataset: atom %d self-distance is %d", i, m.Distances[i][i])
		}
	}
	return nil
}

// Sample is a tokenized sequence ready for collation. Roles is nil for
// plain molecules; reaction datasets fill it.
type Sample struct {
	Atoms     []int
	Neighbors []int
	Distances [][]int
	Roles     []int
}

// Len returns the token count.
func (s Sample) Len() int { return len(s.Atoms) }

// MoleculeConfig controls tokenization. The zero value prepends a CLS
// token and clamps distances at 10 and neighbor counts at 14.
type MoleculeConfig struct {
	NoCLS        bool
	MaxDistance  int
	MaxNeighbors int
}

func (c MoleculeConfig) maxDistance() int {
	if c.MaxDistance > 0 {
		return c.MaxDistance
	}
	return defaultMaxDistance
}

func (c MoleculeConfig) maxNeighbors() int {
	if c.MaxNeighbors > 0 {
		return c.MaxNeighbors
	}
	return defaultMaxNeighbors
}

// MoleculeDataset tokenizes an in-memory molecule list on demand.
type MoleculeDataset struct {
	mols []Molecule
	cfg  MoleculeConfig
}

func NewMoleculeDataset(mols []Molecule, cfg MoleculeConfig) (*MoleculeDataset, error) {
	for i, m := range mols {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("dataset: molecule %d: %w", i, err)
		}
	}
	return &MoleculeDataset{mols: mols, cfg: cfg}, nil
}

func (d *MoleculeDataset) Len() int { return len(d.mols) }

func (d *MoleculeDataset) Get(_ context.Context, i int) (Sample, error) {
	if i < 0 || i >= len(d.mols) {
		return Sample{}, fmt.Errorf("dataset: index %d outside %d molecules", i, len(d.mols))
	}
	return encodeMolecule(d.mols[i], d.cfg), nil
}

// Sizes returns tokenized lengths for batch sampling.
func (d *MoleculeDataset) Sizes() []int {
	sizes := make([]int, len(d.mols))
	extra := 1
	if d.cfg.NoCLS {
		extra = 0
	}
	for i, m := range d.mols {
		sizes[i] = len(m.Atoms) + extra
	}
	return sizes
}

// encodeMolecule tokenizes one molecule: atoms become atomic number + 1,
// neighbor counts clamp and shift past the specials, raw distances d map
// to min(d, max)+2 with unreachable pairs at PairUnbounded.
func encodeMolecule(m Molecule, cfg MoleculeConfig) Sample {
	n := len(m.Atoms)
	off := 1
	if cfg.NoCLS {
		off = 0
	}
	s := Sample{
		Atoms:     make([]int, n+off),
		Neighbors: make([]int, n+off),
		Distances: make([][]int, n+off),
	}
	for i := range s.Distances {
		s.Distances[i] = make([]int, n+off)
	}
	if off == 1 {
		s.Atoms[0] = ClsToken
		s.Neighbors[0] = ClsToken
		for j := 0; j < n+1; j++ {
			s.Distances[0][j] = PairUnbounded
			s.Distances[j][0] = PairUnbounded
		}
		s.Distances[0][0] = PairSelf
	}
	maxD, maxN := cfg.maxDistance(), cfg.maxNeighbors()
	for i := 0; i < n; i++ {
		s.Atoms[i+off] = m.Atoms[i] + 1
		s.Neighbors[i+off] = clamp(m.Neighbors[i], maxN) + 2
		for j := 0; j < n; j++ {
			s.Distances[i+off][j+off] = encodeDistance(m.Distances[i][j], maxD)
		}
	}
	return s
}

func encodeDistance(d, max int) int {
	if d < 0 {
		return PairUnbounded
	}
	return clamp(d, max) + 2
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}
