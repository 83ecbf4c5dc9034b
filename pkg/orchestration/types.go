package orchestration

import (
	"time"

	"github.com/absmach/roundsync/pkg/params"
	"github.com/absmach/roundsync/pkg/trainer"
)

// CoordinatorRank is the rank that distributes the model, aggregates and evaluates.
const CoordinatorRank = 0

type RoundStatus string

const (
	RoundStatusRunning   RoundStatus = "Running"
	RoundStatusCompleted RoundStatus = "Completed"
	RoundStatusFailed    RoundStatus = "Failed"
)

// ContributionSummary describes one gathered parameter set without its values.
type ContributionSummary struct {
	Rank       int     `json:"rank"`
	NumSamples int     `json:"num_samples"`
	TrainTime  float64 `json:"train_time_s"`
	Norm       float64 `json:"norm"`
}

// RoundRecord is the coordinator's bookkeeping for one round.
type RoundRecord struct {
	RunID         string                `json:"run_id"`
	Round         int                   `json:"round"`
	Status        RoundStatus           `json:"status"`
	StartTime     time.Time             `json:"start_time"`
	EndTime       *time.Time            `json:"end_time,omitempty"`
	Contributions []ContributionSummary `json:"contributions,omitempty"`
	ConsensusNorm float64               `json:"consensus_norm,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// Timing is a named wall clock measurement of the run.
type Timing struct {
	Note    string  `json:"note"`
	Seconds float64 `json:"seconds"`
}

// Result is what Run returns. Score, Consensus and Checkpoint are only set on the coordinator.
type Result struct {
	RunID      string         `json:"run_id"`
	Rank       int            `json:"rank"`
	Size       int            `json:"size"`
	Rounds     int            `json:"rounds"`
	Score      *trainer.Score `json:"score,omitempty"`
	Consensus  params.Set     `json:"-"`
	Checkpoint string         `json:"checkpoint,omitempty"`
	Timings    []Timing       `json:"timings"`
}

// Status is a point in time view of a running coordinator.
type Status struct {
	RunID  string         `json:"run_id"`
	Name   string         `json:"name"`
	Rank   int            `json:"rank"`
	Size   int            `json:"size"`
	Phase  Phase          `json:"phase"`
	Round  int            `json:"round"`
	Rounds int            `json:"rounds"`
	Score  *trainer.Score `json:"score,omitempty"`
	Error  string         `json:"error,omitempty"`
}
