package model

import (
	"encoding/json"
	"fmt"
	"slices"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

const (
	ActivationReLU   = "relu"
	ActivationLinear = "linear"

	KindMLP = "mlp"
)

// Layer is one hidden dense layer.
type Layer struct {
	Units      int    `json:"units"      toml:"units"`
	Activation string `json:"activation" toml:"activation"`
}

// Descriptor describes a model architecture without any numeric values.
type Descriptor struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind"`
	Input   []int   `json:"input"`
	Classes int     `json:"classes"`
	Hidden  []Layer `json:"hidden"`
}

// DefaultDescriptor is a single hidden layer classifier for CIFAR-10 shaped input.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		Name:    "cifar10-mlp",
		Kind:    KindMLP,
		Input:   []int{3, 32, 32},
		Classes: 10,
		Hidden:  []Layer{{Units: 128, Activation: ActivationReLU}},
	}
}

// InputSize is the flattened input width.
func (d Descriptor) InputSize() int {
	n := 1
	for _, s := range d.Input {
		n *= s
	}

	return n
}

func (d Descriptor) Validate() error {
	if d.Kind != KindMLP {
		return fmt.Errorf("%w: unsupported model kind %q", pkgerrors.ErrConfiguration, d.Kind)
	}
	if len(d.Input) == 0 {
		return fmt.Errorf("%w: model input shape is empty", pkgerrors.ErrConfiguration)
	}
	for _, s := range d.Input {
		if s <= 0 {
			return fmt.Errorf("%w: invalid input shape %v", pkgerrors.ErrConfiguration, d.Input)
		}
	}
	if d.Classes < 2 {
		return fmt.Errorf("%w: at least two classes are required, got %d", pkgerrors.ErrConfiguration, d.Classes)
	}
	for i, l := range d.Hidden {
		if l.Units <= 0 {
			return fmt.Errorf("%w: hidden layer %d has %d units", pkgerrors.ErrConfiguration, i, l.Units)
		}
		switch l.Activation {
		case ActivationReLU, ActivationLinear:
		default:
			return fmt.Errorf("%w: hidden layer %d has unknown activation %q", pkgerrors.ErrConfiguration, i, l.Activation)
		}
	}

	return nil
}

// Equal reports whether two descriptors name the same architecture.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Name == o.Name && d.Kind == o.Kind && d.Classes == o.Classes &&
		slices.Equal(d.Input, o.Input) && slices.Equal(d.Hidden, o.Hidden)
}

func (d Descriptor) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

func UnmarshalDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to decode model descriptor: %w", err)
	}

	return d, nil
}
