package orchestration

import (
	"context"

	"github.com/absmach/roundsync/pkg/dataset"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
	"github.com/absmach/roundsync/pkg/trainer"
)

type LocalTrainer interface {
	// Run trains m on shard for epochs passes and returns the resulting parameters.
	Run(ctx context.Context, m model.Model, shard dataset.Dataset, epochs int, seed int64) (params.Set, error)
}

// EvaluateFunc scores the consensus model on the test set.
type EvaluateFunc func(ctx context.Context, m model.Model, test dataset.Dataset) (trainer.Score, error)

type RoundStore interface {
	SaveRound(ctx context.Context, r RoundRecord) error
	GetRound(ctx context.Context, runID string, round int) (RoundRecord, error)
	ListRounds(ctx context.Context, runID string) ([]RoundRecord, error)
}

type EventEmitter interface {
	EmitRoundStarted(ctx context.Context, r RoundRecord) error
	EmitRoundCompleted(ctx context.Context, r RoundRecord) error
	EmitRunCompleted(ctx context.Context, res Result) error
	EmitRunFailed(ctx context.Context, runID string, err *RoundError) error
}

type nopEmitter struct{}

func (nopEmitter) EmitRoundStarted(context.Context, RoundRecord) error { return nil }
func (nopEmitter) EmitRoundCompleted(context.Context, RoundRecord) error { return nil }
func (nopEmitter) EmitRunCompleted(context.Context, Result) error { return nil }
func (nopEmitter) EmitRunFailed(context.Context, string, *RoundError) error { return nil }
