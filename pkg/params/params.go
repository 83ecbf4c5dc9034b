// Package params holds the numeric state exchanged between workers: ordered
// sets of shaped float64 tensors, one per trainable layer tensor.
package params

import (
	"fmt"
	"math"
	"slices"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense row-major array. len(Data) always equals the product of Shape.
type Tensor struct {
	Shape []int     `cbor:"1,keyasint" json:"shape"`
	Data  []float64 `cbor:"2,keyasint" json:"data"`
}

// Set is a ParameterSet: tensors in the canonical layer order shared by all workers.
type Set []Tensor

func NewTensor(shape ...int) Tensor {
	return Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float64, volume(shape)),
	}
}

// FromValues builds a tensor over a copy of values.
func FromValues(shape []int, values []float64) (Tensor, error) {
	if volume(shape) != len(values) {
		return Tensor{}, fmt.Errorf("%w: shape %v holds %d values, got %d", pkgerrors.ErrShapeMismatch, shape, volume(shape), len(values))
	}

	return Tensor{
		Shape: slices.Clone(shape),
		Data:  slices.Clone(values),
	}, nil
}

func (t Tensor) Len() int {
	return len(t.Data)
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

func (t Tensor) SameShape(o Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

func (t Tensor) validate() error {
	if volume(t.Shape) != len(t.Data) {
		return fmt.Errorf("%w: shape %v holds %d values, got %d", pkgerrors.ErrShapeMismatch, t.Shape, volume(t.Shape), len(t.Data))
	}

	return nil
}

// ZerosLike returns a set with the same shapes as s and all values zero.
func ZerosLike(s Set) Set {
	out := make(Set, len(s))
	for i := range s {
		out[i] = NewTensor(s[i].Shape...)
	}

	return out
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for i := range s {
		out[i] = s[i].Clone()
	}

	return out
}

// Shapes lists the shape of every tensor in order.
func (s Set) Shapes() [][]int {
	shapes := make([][]int, len(s))
	for i := range s {
		shapes[i] = slices.Clone(s[i].Shape)
	}

	return shapes
}

// NumElements is the total number of scalars across the set.
func (s Set) NumElements() int {
	n := 0
	for i := range s {
		n += s[i].Len()
	}

	return n
}

// Norm is the L2 norm of the set viewed as one flat vector.
func (s Set) Norm() float64 {
	sq := 0.0
	for i := range s {
		n := floats.Norm(s[i].Data, 2)
		sq += n * n
	}

	return math.Sqrt(sq)
}

// Equal reports exact value and shape equality.
func (s Set) Equal(o Set) bool {
	if !Compatible(s, o) {
		return false
	}
	for i := range s {
		if !floats.Equal(s[i].Data, o[i].Data) {
			return false
		}
	}

	return true
}

// EqualApprox reports shape equality and values within tol of each other.
func (s Set) EqualApprox(o Set, tol float64) bool {
	if !Compatible(s, o) {
		return false
	}
	for i := range s {
		if !floats.EqualApprox(s[i].Data, o[i].Data, tol) {
			return false
		}
	}

	return true
}

// Compatible reports whether two sets have the same length and the same shape at every position.
func Compatible(a, b Set) bool {
	return CheckCompatible(a, b) == nil
}

// CheckCompatible is Compatible with a descriptive ErrShapeMismatch.
func CheckCompatible(a, b Set) error {
	if len(a) != len(b) {
		return fmt.Errorf("%w: %d tensors vs %d", pkgerrors.ErrShapeMismatch, len(a), len(b))
	}
	for i := range a {
		if !a[i].SameShape(b[i]) {
			return fmt.Errorf("%w: tensor %d has shape %v vs %v", pkgerrors.ErrShapeMismatch, i, a[i].Shape, b[i].Shape)
		}
	}

	return nil
}

// CopyInto overwrites dst values with src values. Shapes must match.
func CopyInto(dst, src Set) error {
	if err := CheckCompatible(dst, src); err != nil {
		return err
	}
	for i := range src {
		copy(dst[i].Data, src[i].Data)
	}

	return nil
}

// Marshal encodes the set as CBOR for transfer between workers.
func Marshal(s Set) ([]byte, error) {
	return cbor.Marshal(s)
}

// Unmarshal decodes a CBOR set and checks each tensor's shape against its data.
func Unmarshal(data []byte) (Set, error) {
	var s Set
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode parameter set: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks that every tensor's data matches its declared shape.
func (s Set) Validate() error {
	for i := range s {
		if err := s[i].validate(); err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
	}

	return nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}

	return n
}
