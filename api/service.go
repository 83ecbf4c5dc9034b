package api

import (
	"context"

	"github.com/absmach/roundsync/pkg/orchestration"
)

// Service is the read-only view of one run served over HTTP.
type Service interface {
	Status(ctx context.Context) orchestration.Status
	Rounds(ctx context.Context) ([]orchestration.RoundRecord, error)
	Round(ctx context.Context, round int) (orchestration.RoundRecord, error)
}

type StatusSource interface {
	Status() orchestration.Status
}

type service struct {
	runID  string
	source StatusSource
	store  orchestration.RoundStore
}

func NewService(runID string, source StatusSource, store orchestration.RoundStore) Service {
	return &service{
		runID:  runID,
		source: source,
		store:  store,
	}
}

func (s *service) Status(context.Context) orchestration.Status {
	return s.source.Status()
}

func (s *service) Rounds(ctx context.Context) ([]orchestration.RoundRecord, error) {
	return s.store.ListRounds(ctx, s.runID)
}

func (s *service) Round(ctx context.Context, round int) (orchestration.RoundRecord, error) {
	return s.store.GetRound(ctx, s.runID, round)
}
