package dataset

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/x448/float16"
	_ "modernc.org/sqlite"
)

// ErrNotFound reports a store key with no row behind it.
var ErrNotFound = errors.New("dataset: not found")

// StructureStore persists gob-encoded molecules in a SQLite file, standing
// in for the memory-mapped structure shards the training rigs read. Keys
// are assigned on Put and stay stable for the life of the file.
type StructureStore struct {
	db *sql.DB
}

func OpenStructureStore(path string) (*StructureStore, error) {
	db, err := openStore(path, `CREATE TABLE IF NOT EXISTS structures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		data BLOB NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &StructureStore{db: db}, nil
}

func (s *StructureStore) Close() error { return s.db.Close() }

func (s *StructureStore) Put(ctx context.Context, m Molecule) (int64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return 0, fmt.Errorf("dataset: encode molecule: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO structures (data) VALUES (?)`, buf.Bytes())
	if err != nil {
		return 0, fmt.Errorf("dataset: store molecule: %w", err)
	}
	return res.LastInsertId()
}

func (s *StructureStore) Get(ctx context.Context, id int64) (Molecule, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM structures WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return Molecule{}, fmt.Errorf("dataset: structure %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Molecule{}, fmt.Errorf("dataset: read structure %d: %w", id, err)
	}
	var m Molecule
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&m); err != nil {
		return Molecule{}, fmt.Errorf("dataset: decode structure %d: %w", id, err)
	}
	return m, nil
}

// IDs lists every stored key in insertion order.
func (s *StructureStore) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM structures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("dataset: list structures: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dataset: list structures: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *StructureStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM structures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dataset: count structures: %w", err)
	}
	return n, nil
}

// Dataset adapts the store to the loader over a fixed key list, tokenizing
// each molecule as it is read.
func (s *StructureStore) Dataset(ids []int64, cfg MoleculeConfig) *StoreDataset {
	return &StoreDataset{store: s, ids: ids, cfg: cfg}
}

// StoreDataset reads molecules from a StructureStore on demand.
type StoreDataset struct {
	store *StructureStore
	ids   []int64
	cfg   MoleculeConfig
}

func (d *StoreDataset) Len() int { return len(d.ids) }

func (d *StoreDataset) Get(ctx context.Context, i int) (Sample, error) {
	if i < 0 || i >= len(d.ids) {
		return Sample{}, fmt.Errorf("dataset: index %d outside %d keys", i, len(d.ids))
	}
	m, err := d.store.Get(ctx, d.ids[i])
	if err != nil {
		return Sample{}, err
	}
	return encodeMolecule(m, d.cfg), nil
}

// Sizes reads every referenced molecule once to report tokenized lengths.
func (d *StoreDataset) Sizes(ctx context.Context) ([]int, error) {
	extra := 1
	if d.cfg.NoCLS {
		extra = 0
	}
	sizes := make([]int, len(d.ids))
	for i, id := range d.ids {
		m, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		sizes[i] = len(m.Atoms) + extra
	}
	return sizes, nil
}

// PropertyStore holds per-key property vectors quantized to half
// precision, two bytes per value.
type PropertyStore struct {
	db *sql.DB
}

func OpenPropertyStore(path string) (*PropertyStore, error) {
	db, err := openStore(path, `CREATE TABLE IF NOT EXISTS properties (
		id INTEGER PRIMARY KEY,
		vec BLOB NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return &PropertyStore{db: db}, nil
}

func (s *PropertyStore) Close() error { return s.db.Close() }

func (s *PropertyStore) Put(ctx context.Context, id int64, vec []float64) error {
	blob := make([]byte, 2*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint16(blob[2*i:], float16.Fromfloat32(float32(v)).Bits())
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO properties (id, vec) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET vec = excluded.vec`, id, blob)
	if err != nil {
		return fmt.Errorf("dataset: store properties %d: %w", id, err)
	}
	return nil
}

func (s *PropertyStore) Get(ctx context.Context, id int64) ([]float64, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT vec FROM properties WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset: properties %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("dataset: read properties %d: %w", id, err)
	}
	if len(blob)%2 != 0 {
		return nil, fmt.Errorf("dataset: properties %d hold %d bytes, want an even count", id, len(blob))
	}
	vec := make([]float64, len(blob)/2)
	for i := range vec {
		vec[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(blob[2*i:])).Float32())
	}
	return vec, nil
}

func openStore(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dataset: prepare store %s: %w", path, err)
	}
	slog.Debug("store open", "path", path)
	return db, nil
}
