// Package lora implements low-rank adapted neural-net layers: an embedding
// table, a linear layer, multi-head attention and a transformer encoder
// layer. With rank zero each layer is a plain trainable layer. With a
// positive rank the base weights freeze and a thin trainable factor pair
// corrects every output; MergeLoRA folds the correction back into the base
// weight, after which the layer is an ordinary trainable layer again.
package lora

import (
	"fmt"
	"math/rand"
)

// Config controls the low-rank adapter attached to a layer. The zero value
// disables adaptation.
type Config struct {
	R       int     // adapter rank; 0 disables the adapter
	Alpha   float64 // corrections are scaled by Alpha/R
	Dropout float64 // dropout on the adapter branch input; Linear only
}

func (c Config) Validate() error {
	if c.R < 0 {
		return fmt.Errorf("lora: negative rank %d", c.R)
	}
	if c.R > 0 && c.Alpha <= 0 {
		return fmt.Errorf("lora: rank %d needs a positive alpha, got %v", c.R, c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora: dropout %v outside [0,1)", c.Dropout)
	}
	return nil
}

func (c Config) scaling() float64 { return c.Alpha / float64(c.R) }

func initRand(r *rand.Rand) *rand.Rand {
	if r != nil {
		return r
	}
	return rand.New(rand.NewSource(rand.Int63()))
}
