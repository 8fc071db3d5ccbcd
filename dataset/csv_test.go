package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVProperties(t *testing.T) {
	in := strings.NewReader(
		"smiles,logp,tpsa\n" +
			"CCO,-0.31,20.23\n" +
			"c1ccccc1,2.13,0\n" +
			"CC(=O)O,-0.17,37.3\n")
	p, err := ReadCSVProperties(in, "smiles")
	require.NoError(t, err)

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, []string{"CCO", "c1ccccc1", "CC(=O)O"}, p.IDs)
	assert.Equal(t, []string{"logp", "tpsa"}, p.Columns)
	assert.Equal(t, []float64{2.13, 0}, p.Row(1))

	logp, err := p.Column("logp")
	require.NoError(t, err)
	assert.Equal(t, []float64{-0.31, 2.13, -0.17}, logp)

	_, err = p.Column("mw")
	assert.Error(t, err)
}

func TestReadCSVPropertiesIDColumnAnywhere(t *testing.T) {
	in := strings.NewReader("y,id\n1.5,a\n2.5,b\n")
	p, err := ReadCSVProperties(in, "id")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.IDs)
	assert.Equal(t, []float64{1.5}, p.Row(0))
}

func TestReadCSVPropertiesErrors(t *testing.T) {
	_, err := ReadCSVProperties(strings.NewReader("a,b\n1,2\n"), "id")
	assert.ErrorContains(t, err, `no "id" column`)

	_, err = ReadCSVProperties(strings.NewReader("id,x\nk,oops\n"), "id")
	assert.ErrorContains(t, err, "line 2")

	_, err = ReadCSVProperties(strings.NewReader("id,x\nk,1\nj,2,3\n"), "id")
	assert.ErrorContains(t, err, "line 3")

	_, err = ReadCSVProperties(strings.NewReader(""), "id")
	assert.Error(t, err)
}
