// Package dataset supplies preprocessed examples to workers: disjoint
// training shards per rank and the shared held-out test set.
package dataset

import (
	"fmt"
	"math/rand"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

// CIFAR-10 example layout.
const (
	CIFARChannels = 3
	CIFARHeight   = 32
	CIFARWidth    = 32
	CIFARClasses  = 10
)

// Dataset holds examples flattened in channel-major [C,H,W] order plus their labels.
type Dataset struct {
	Examples [][]float32 `cbor:"1,keyasint"`
	Labels   []int       `cbor:"2,keyasint"`
	Shape    []int       `cbor:"3,keyasint"`
	Classes  int         `cbor:"4,keyasint"`
}

func (d Dataset) Len() int {
	return len(d.Examples)
}

// Slice returns the examples in [iv.Begin, iv.End). The result shares storage with d.
func (d Dataset) Slice(iv Interval) Dataset {
	return Dataset{
		Examples: d.Examples[iv.Begin:iv.End:iv.End],
		Labels:   d.Labels[iv.Begin:iv.End:iv.End],
		Shape:    d.Shape,
		Classes:  d.Classes,
	}
}

// ExampleSize is the number of values in one example.
func (d Dataset) ExampleSize() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}

	return n
}

func (d Dataset) Validate() error {
	if len(d.Examples) != len(d.Labels) {
		return fmt.Errorf("%w: %d examples but %d labels", pkgerrors.ErrInvalidData, len(d.Examples), len(d.Labels))
	}
	size := d.ExampleSize()
	for i, x := range d.Examples {
		if len(x) != size {
			return fmt.Errorf("%w: example %d has %d values, expected %d", pkgerrors.ErrInvalidData, i, len(x), size)
		}
		if l := d.Labels[i]; l < 0 || (d.Classes > 0 && l >= d.Classes) {
			return fmt.Errorf("%w: example %d has label %d outside [0, %d)", pkgerrors.ErrInvalidData, i, l, d.Classes)
		}
	}

	return nil
}

// Synthetic generates a linearly separable classification set: each class
// has a random prototype and examples are noisy copies of it.
func Synthetic(n, classes int, shape []int, seed int64) Dataset {
	rng := rand.New(rand.NewSource(seed))
	size := 1
	for _, s := range shape {
		size *= s
	}

	prototypes := make([][]float32, classes)
	for c := range prototypes {
		p := make([]float32, size)
		for i := range p {
			p[i] = float32(rng.NormFloat64())
		}
		prototypes[c] = p
	}

	ds := Dataset{
		Examples: make([][]float32, n),
		Labels:   make([]int, n),
		Shape:    append([]int(nil), shape...),
		Classes:  classes,
	}
	for i := 0; i < n; i++ {
		label := rng.Intn(classes)
		x := make([]float32, size)
		for j := range x {
			x[j] = prototypes[label][j] + float32(0.3*rng.NormFloat64())
		}
		ds.Examples[i] = x
		ds.Labels[i] = label
	}

	return ds
}
