package orchestration

import (
	"fmt"

	"github.com/absmach/roundsync/pkg/fl"
	"github.com/absmach/roundsync/pkg/params"
	"github.com/absmach/roundsync/pkg/trainer"
	"github.com/fxamacker/cbor/v2"
)

const (
	tagAssignment      = "assignment"
	tagAck             = "ack"
	tagFinished        = "finished"
	directiveTemplate  = "directive/%d"
	contributionPrefix = "update/%d"
)

// assignment is sent point-to-point from the coordinator to every participant once.
type assignment struct {
	Descriptor []byte      `cbor:"1,keyasint,omitempty"`
	Failure    *fl.Failure `cbor:"2,keyasint,omitempty"`
}

// ack confirms a participant has built its model and loaded its shard.
type ack struct {
	Rank       int         `cbor:"1,keyasint"`
	NumSamples int         `cbor:"2,keyasint"`
	Failure    *fl.Failure `cbor:"3,keyasint,omitempty"`
}

// directive opens round Round with the consensus parameters, or ends the
// run: Final after the last round, Failure when any rank failed.
type directive struct {
	Round   int            `cbor:"1,keyasint"`
	Params  params.Set     `cbor:"2,keyasint,omitempty"`
	Failure *fl.Failure    `cbor:"3,keyasint,omitempty"`
	Final   bool           `cbor:"4,keyasint,omitempty"`
	Score   *trainer.Score `cbor:"5,keyasint,omitempty"`
}

func directiveTag(round int) string {
	return fmt.Sprintf(directiveTemplate, round)
}

func contributionTag(round int) string {
	return fmt.Sprintf(contributionPrefix, round)
}

func encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func decode(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %T: %w", v, err)
	}

	return nil
}

func newFailure(round, rank int, phase Phase, err error) *fl.Failure {
	return &fl.Failure{
		Round:   round,
		Rank:    rank,
		Phase:   phase.String(),
		Message: err.Error(),
	}
}
