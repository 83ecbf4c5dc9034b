package fl

import (
	"fmt"
	"time"

	"github.com/absmach/roundsync/pkg/params"
	"github.com/fxamacker/cbor/v2"
)

// Contribution is what a worker hands back to the coordinator at the end of a round.
type Contribution struct {
	Round      int        `cbor:"1,keyasint" json:"round"`
	Rank       int        `cbor:"2,keyasint" json:"rank"`
	NumSamples int        `cbor:"3,keyasint" json:"num_samples"`
	Params     params.Set `cbor:"4,keyasint" json:"params"`
	TrainTime  float64    `cbor:"5,keyasint" json:"train_time_s"`
	Failure    *Failure   `cbor:"6,keyasint,omitempty" json:"failure,omitempty"`
}

// Failure reports that a rank could not complete a phase. It travels in
// place of a result so the coordinator can abort the whole run.
type Failure struct {
	Round   int    `cbor:"1,keyasint" json:"round"`
	Rank    int    `cbor:"2,keyasint" json:"rank"`
	Phase   string `cbor:"3,keyasint" json:"phase"`
	Message string `cbor:"4,keyasint" json:"message"`
}

type Aggregator interface {
	// Average combines compatible parameter sets into one consensus set.
	Average(sets []params.Set) (params.Set, error)
}

func EncodeContribution(c Contribution) ([]byte, error) {
	return cbor.Marshal(c)
}

func DecodeContribution(data []byte) (Contribution, error) {
	var c Contribution
	if err := cbor.Unmarshal(data, &c); err != nil {
		return Contribution{}, fmt.Errorf("failed to decode contribution: %w", err)
	}

	if c.Failure != nil {
		return c, nil
	}
	if err := c.Params.Validate(); err != nil {
		return Contribution{}, err
	}

	return c, nil
}

// TrainDuration reports TrainTime as a time.Duration.
func (c Contribution) TrainDuration() time.Duration {
	return time.Duration(c.TrainTime * float64(time.Second))
}
