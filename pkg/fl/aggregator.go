package fl

import (
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/params"
	"gonum.org/v1/gonum/floats"
)

const (
	AlgorithmMean     = "mean"
	AlgorithmWeighted = "weighted"
)

var (
	errWeightCount    = errors.New("one weight per parameter set is required")
	errNegativeWeight = errors.New("weights must not be negative")
	errZeroWeight     = errors.New("total weight is zero")
)

// MeanAggregator computes the unweighted element-wise mean: every worker
// counts once regardless of how many examples its shard holds.
type MeanAggregator struct{}

var _ Aggregator = (*MeanAggregator)(nil)

func NewMeanAggregator() Aggregator {
	return &MeanAggregator{}
}

func (a *MeanAggregator) Average(sets []params.Set) (params.Set, error) {
	if err := checkSets(sets); err != nil {
		return nil, err
	}

	out := sets[0].Clone()
	for _, s := range sets[1:] {
		for i := range out {
			floats.Add(out[i].Data, s[i].Data)
		}
	}

	n := float64(len(sets))
	for i := range out {
		d := out[i].Data
		for j := range d {
			d[j] /= n
		}
	}

	return out, nil
}

// WeightedAggregator scales each set by a caller supplied weight, e.g. the
// number of samples behind it.
type WeightedAggregator struct {
	weights []float64
}

var _ Aggregator = (*WeightedAggregator)(nil)

func NewWeightedAggregator(weights []float64) *WeightedAggregator {
	return &WeightedAggregator{weights: append([]float64(nil), weights...)}
}

func (a *WeightedAggregator) Average(sets []params.Set) (params.Set, error) {
	if err := checkSets(sets); err != nil {
		return nil, err
	}
	if len(a.weights) != len(sets) {
		return nil, fmt.Errorf("%w: got %d weights for %d sets", errWeightCount, len(a.weights), len(sets))
	}

	var total float64
	for _, w := range a.weights {
		if w < 0 {
			return nil, errNegativeWeight
		}
		total += w
	}
	if total == 0 {
		return nil, errZeroWeight
	}

	out := params.ZerosLike(sets[0])
	for k, s := range sets {
		for i := range out {
			floats.AddScaled(out[i].Data, a.weights[k], s[i].Data)
		}
	}
	for i := range out {
		d := out[i].Data
		for j := range d {
			d[j] /= total
		}
	}

	return out, nil
}

// NewAggregator returns the aggregator for algorithm. The weighted
// algorithm weighs each contribution by its sample count.
func NewAggregator(algorithm string, contribs []Contribution) (Aggregator, error) {
	switch algorithm {
	case "", AlgorithmMean:
		return NewMeanAggregator(), nil
	case AlgorithmWeighted:
		return NewWeightedAggregator(SampleWeights(contribs)), nil
	default:
		return nil, fmt.Errorf("%w: unknown aggregation algorithm %q", pkgerrors.ErrConfiguration, algorithm)
	}
}

// SampleWeights turns contribution sample counts into aggregation weights.
func SampleWeights(contribs []Contribution) []float64 {
	weights := make([]float64, len(contribs))
	for i, c := range contribs {
		weights[i] = float64(c.NumSamples)
	}

	return weights
}

// SetError reports which of the aggregated sets was rejected.
type SetError struct {
	Index int
	Err   error
}

func (e *SetError) Error() string {
	return fmt.Sprintf("set %d: %v", e.Index, e.Err)
}

func (e *SetError) Unwrap() error {
	return e.Err
}

func checkSets(sets []params.Set) error {
	if len(sets) == 0 {
		return pkgerrors.ErrEmptyAggregation
	}
	for k := range sets {
		if err := sets[k].Validate(); err != nil {
			return &SetError{Index: k, Err: err}
		}
		if k == 0 {
			continue
		}
		if err := params.CheckCompatible(sets[0], sets[k]); err != nil {
			return &SetError{Index: k, Err: err}
		}
	}

	return nil
}
