package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/absmach/roundsync/pkg/storage"
)

type MemoryRoundStore struct {
	roundsDB storage.Storage
}

func NewMemoryRoundStore(roundsDB storage.Storage) orchestration.RoundStore {
	return &MemoryRoundStore{roundsDB: roundsDB}
}

// SaveRound creates the record on first save and replaces it afterwards.
func (s *MemoryRoundStore) SaveRound(ctx context.Context, r orchestration.RoundRecord) error {
	key := roundKey(r.RunID, r.Round)
	err := s.roundsDB.Update(ctx, key, r)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return s.roundsDB.Create(ctx, key, r)
	}

	return err
}

func (s *MemoryRoundStore) GetRound(ctx context.Context, runID string, round int) (orchestration.RoundRecord, error) {
	data, err := s.roundsDB.Get(ctx, roundKey(runID, round))
	if errors.Is(err, pkgerrors.ErrNotFound) {
		return orchestration.RoundRecord{}, fmt.Errorf("%w: run %s round %d", orchestration.ErrRoundNotFound, runID, round)
	}
	if err != nil {
		return orchestration.RoundRecord{}, err
	}

	r, ok := data.(orchestration.RoundRecord)
	if !ok {
		return orchestration.RoundRecord{}, pkgerrors.ErrInvalidData
	}

	return r, nil
}

func (s *MemoryRoundStore) ListRounds(ctx context.Context, runID string) ([]orchestration.RoundRecord, error) {
	_, total, err := s.roundsDB.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	data, _, err := s.roundsDB.List(ctx, 0, total)
	if err != nil {
		return nil, err
	}

	rounds := make([]orchestration.RoundRecord, 0, len(data))
	for i := range data {
		r, ok := data[i].(orchestration.RoundRecord)
		if !ok || r.RunID != runID {
			continue
		}
		rounds = append(rounds, r)
	}
	slices.SortFunc(rounds, func(a, b orchestration.RoundRecord) int {
		return a.Round - b.Round
	})

	return rounds, nil
}

func roundKey(runID string, round int) string {
	return fmt.Sprintf("%s/%d", runID, round)
}
