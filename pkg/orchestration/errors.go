package orchestration

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrRoundNotFound          = errors.New("round not found")
	ErrCardinality            = errors.New("gathered contributions do not match group size")
	ErrUnexpectedContribution = errors.New("contribution does not belong to this round")
)

// RoundError aborts a run. Round is -1 for failures before the first round.
type RoundError struct {
	Round int
	Rank  int
	Phase Phase
	Err   error
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("round %d rank %d %s: %v", e.Round, e.Rank, e.Phase, e.Err)
}

func (e *RoundError) Unwrap() error {
	return e.Err
}
