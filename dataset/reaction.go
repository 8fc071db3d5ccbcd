package dataset

import (
	"context"
	"fmt"
)

// Role codes for the role channel of merged reaction samples.
const (
	RoleReactant = 2
	RoleProduct  = 3
)

// Reaction pairs the reactant and product molecules of one transformation.
type Reaction struct {
	Reactants []Molecule
	Products  []Molecule
}

func (r Reaction) Validate() error {
	if len(r.Reactants) == 0 || len(r.Products) == 0 {
		return fmt.Errorf("dataset: reaction needs reactants and products")
	}
	for i, m := range r.Reactants {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("dataset: reactant %d: %w", i, err)
		}
	}
	for i, m := range r.Products {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("dataset: product %d: %w", i, err)
		}
	}
	return nil
}

// ReactionEncoderDataset merges each reaction into a single sample: one
// CLS token, then every reactant atom, then every product atom, with a
// parallel role vector telling the sides apart. Distances are block
// diagonal; atoms of different molecules pair as PairUnbounded, so they
// interact only through learned bias, not graph distance.
type ReactionEncoderDataset struct {
	rxns []Reaction
	cfg  MoleculeConfig
}

func NewReactionEncoderDataset(rxns []Reaction, cfg MoleculeConfig) (*ReactionEncoderDataset, error) {
	for i, r := range rxns {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("dataset: reaction %d: %w", i, err)
		}
	}
	return &ReactionEncoderDataset{rxns: rxns, cfg: cfg}, nil
}

func (d *ReactionEncoderDataset) Len() int { return len(d.rxns) }

func (d *ReactionEncoderDataset) Get(_ context.Context, i int) (Sample, error) {
	if i < 0 || i >= len(d.rxns) {
		return Sample{}, fmt.Errorf("dataset: index %d outside %d reactions", i, len(d.rxns))
	}
	return d.merge(d.rxns[i]), nil
}

// Sizes returns merged lengths for batch sampling.
func (d *ReactionEncoderDataset) Sizes() []int {
	sizes := make([]int, len(d.rxns))
	extra := 1
	if d.cfg.NoCLS {
		extra = 0
	}
	for i, r := range d.rxns {
		n := 0
		for _, m := range r.Reactants {
			n += len(m.Atoms)
		}
		for _, m := range r.Products {
			n += len(m.Atoms)
		}
		sizes[i] = n + extra
	}
	return sizes
}

func (d *ReactionEncoderDataset) merge(r Reaction) Sample {
	total := 0
	for _, m := range r.Reactants {
		total += len(m.Atoms)
	}
	for _, m := range r.Products {
		total += len(m.Atoms)
	}
	off := 1
	if d.cfg.NoCLS {
		off = 0
	}
	size := total + off
	s := Sample{
		Atoms:     make([]int, size),
		Neighbors: make([]int, size),
		Roles:     make([]int, size),
		Distances: make([][]int, size),
	}
	for i := range s.Distances {
		s.Distances[i] = make([]int, size)
		for j := range s.Distances[i] {
			s.Distances[i][j] = PairUnbounded
		}
		s.Distances[i][i] = PairSelf
	}
	if off == 1 {
		s.Atoms[0] = ClsToken
		s.Neighbors[0] = ClsToken
		s.Roles[0] = ClsToken
	}
	maxD, maxN := d.cfg.maxDistance(), d.cfg.maxNeighbors()
	pos := off
	place := func(mols []Molecule, role int) {
		for _, m := range mols {
			n := len(m.Atoms)
			for i := 0; i < n; i++ {
				s.Atoms[pos+i] = m.Atoms[i] + 1
				s.Neighbors[pos+i] = clamp(m.Neighbors[i], maxN) + 2
				s.Roles[pos+i] = role
				for j := 0; j < n; j++ {
					s.Distances[pos+i][pos+j] = encodeDistance(m.Distances[i][j], maxD)
				}
			}
			pos += n
		}
	}
	place(r.Reactants, RoleReactant)
	place(r.Products, RoleProduct)
	return s
}
