package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// CSVProperties is a small property table read from CSV: one id column,
// every other column numeric. Row order follows the file.
type CSVProperties struct {
	IDs     []string
	Columns []string

	rows [][]float64
}

// ReadCSVProperties parses a header-ed CSV, taking idColumn as the key and
// every remaining column as a float property.
func ReadCSVProperties(r io.Reader, idColumn string) (*CSVProperties, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("dataset: read csv header: %w", err)
	}
	idCol := -1
	cols := make([]string, 0, len(header)-1)
	for i, name := range header {
		if name == idColumn {
			idCol = i
			continue
		}
		cols = append(cols, name)
	}
	if idCol < 0 {
		return nil, fmt.Errorf("dataset: csv has no %q column", idColumn)
	}
	p := &CSVProperties{Columns: cols}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: read csv line %d: %w", line, err)
		}
		row := make([]float64, 0, len(cols))
		for i, field := range rec {
			if i == idCol {
				p.IDs = append(p.IDs, field)
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset: csv line %d column %q: %w", line, header[i], err)
			}
			row = append(row, v)
		}
		p.rows = append(p.rows, row)
	}
	return p, nil
}

func (p *CSVProperties) Len() int { return len(p.rows) }

// Row returns the property vector of record i, in Columns order.
func (p *CSVProperties) Row(i int) []float64 { return p.rows[i] }

// Column returns one property across all records.
func (p *CSVProperties) Column(name string) ([]float64, error) {
	for j, c := range p.Columns {
		if c == name {
			out := make([]float64, len(p.rows))
			for i, row := range p.rows {
				out[i] = row[j]
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("dataset: csv has no %q column", name)
}
