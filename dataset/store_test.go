package dataset

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStructureStore(t *testing.T) *StructureStore {
	t.Helper()
	s, err := OpenStructureStore(filepath.Join(t.TempDir(), "structures.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStructureStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := tempStructureStore(t)

	first, err := s.Put(ctx, chainMolecule())
	require.NoError(t, err)
	second, err := s.Put(ctx, bondPair())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	got, err := s.Get(ctx, first)
	require.NoError(t, err)
	if diff := cmp.Diff(chainMolecule(), got); diff != "" {
		t.Errorf("molecule mismatch (-want +got):\n%s", diff)
	}

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{first, second}, ids)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStructureStoreMissing(t *testing.T) {
	ctx := context.Background()
	s := tempStructureStore(t)
	_, err := s.Get(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStructureStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := tempStructureStore(t)
	bad := chainMolecule()
	bad.Neighbors = bad.Neighbors[:1]
	_, err := s.Put(ctx, bad)
	assert.Error(t, err)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreDatasetFeedsLoader(t *testing.T) {
	ctx := context.Background()
	s := tempStructureStore(t)
	for _, m := range []Molecule{chainMolecule(), bondPair(), chainMolecule()} {
		_, err := s.Put(ctx, m)
		require.NoError(t, err)
	}
	ids, err := s.IDs(ctx)
	require.NoError(t, err)

	ds := s.Dataset(ids, MoleculeConfig{})
	assert.Equal(t, 3, ds.Len())
	sizes, err := ds.Sizes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3, 4}, sizes)

	sample, err := ds.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 7, 9}, sample.Atoms)
	_, err = ds.Get(ctx, 3)
	assert.Error(t, err)

	sampler, err := NewStructureSampler(sizes, 2, false, 0)
	require.NoError(t, err)
	var batches int
	err = NewLoader[Sample, *Batch](ds, sampler, Collate, LoaderConfig{Workers: 2}).
		Load(ctx, func(b *Batch) error {
			batches++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
}

func TestPropertyStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenPropertyStore(filepath.Join(t.TempDir(), "props.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	want := []float64{-1.5, 0, 0.25, 3.75}
	require.NoError(t, s.Put(ctx, 7, want))
	got, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		if want[i] == 0 {
			assert.Zero(t, got[i])
			continue
		}
		rel := math.Abs(got[i]-want[i]) / math.Abs(want[i])
		assert.LessOrEqual(t, rel, 1e-3, "value %d drifted: %g vs %g", i, got[i], want[i])
	}

	// same key overwrites
	require.NoError(t, s.Put(ctx, 7, []float64{42}))
	got, err = s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 42, got[0], 0.05)

	_, err = s.Get(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
}
