package dataset

import (
	"fmt"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

// Interval represents the interval of integers [Begin, End).
type Interval struct {
	Begin int `json:"begin"`
	End   int `json:"end"`
}

func (i Interval) Len() int { return i.End - i.Begin }

// EvenPartition parts an Interval into k parts such that the length of each part differ at most 1.
func EvenPartition(r Interval, k int) []Interval {
	quo, rem := r.Len()/k, r.Len()%k
	parts := make([]Interval, 0, k)
	offset := r.Begin
	for i := 0; i < k; i++ {
		blockCount := quo
		if i < rem {
			blockCount++
		}
		parts = append(parts, Interval{Begin: offset, End: offset + blockCount})
		offset += blockCount
	}

	return parts
}

// ShardIndices returns the example indices owned by rank when n examples are split across total workers.
func ShardIndices(n, rank, total int) (Interval, error) {
	if total <= 0 {
		return Interval{}, fmt.Errorf("%w: worker count must be positive, got %d", pkgerrors.ErrConfiguration, total)
	}
	if total > n {
		return Interval{}, fmt.Errorf("%w: %d workers exceed %d available examples", pkgerrors.ErrConfiguration, total, n)
	}
	if rank < 0 || rank >= total {
		return Interval{}, fmt.Errorf("%w: rank %d out of range [0, %d)", pkgerrors.ErrConfiguration, rank, total)
	}

	return EvenPartition(Interval{Begin: 0, End: n}, total)[rank], nil
}
