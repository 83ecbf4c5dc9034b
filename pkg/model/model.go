// Package model defines the trainable model abstraction: an architecture
// descriptor plus the parameter tensors that workers exchange.
package model

import (
	"github.com/absmach/roundsync/pkg/params"
)

type Model interface {
	// Describe returns the architecture only.
	Describe() Descriptor

	// Snapshot returns a deep copy of the current parameters.
	Snapshot() params.Set

	// Restore overwrites the current parameters in place. An incompatible
	// set fails with ErrShapeMismatch and leaves the model unchanged.
	Restore(p params.Set) error

	// Parameters returns the live parameter tensors. Only trainers write through it.
	Parameters() params.Set

	// Predict returns class probabilities for one flattened example.
	Predict(x []float32) []float64

	// Gradient adds the cross-entropy gradient for one example into grads
	// and returns the example loss.
	Gradient(x []float32, label int, grads params.Set) float64
}

// InstantiateFunc builds a fresh, untrained model from a descriptor.
type InstantiateFunc func(d Descriptor) (Model, error)

// Instantiate builds a fresh model for d with weights drawn from seed.
func Instantiate(d Descriptor, seed int64) (Model, error) {
	return NewMLP(d, seed)
}

// Instantiator binds a seed so participants can build the coordinator's
// architecture without knowing anything else about it.
func Instantiator(seed int64) InstantiateFunc {
	return func(d Descriptor) (Model, error) {
		return Instantiate(d, seed)
	}
}
