//go:build netlib

package nn

import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routes every matrix product through the system BLAS when built with
// `-tags netlib`.
func init() {
	blas64.Use(netlib.Implementation{})
}
