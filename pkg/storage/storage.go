// Package storage is a small keyed store used for run bookkeeping.
package storage

import (
	"context"
	"sync"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

type Storage interface {
	Create(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, error)
	Update(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
	// List returns values in insertion order along with the total count.
	List(ctx context.Context, offset, limit uint64) ([]any, uint64, error)
}

type inMemoryStorage struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

func NewInMemoryStorage() Storage {
	return &inMemoryStorage{
		values: make(map[string]any),
	}
}

func (s *inMemoryStorage) Create(_ context.Context, key string, value any) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; ok {
		return pkgerrors.ErrEntityExists
	}
	s.keys = append(s.keys, key)
	s.values[key] = value

	return nil
}

func (s *inMemoryStorage) Get(_ context.Context, key string) (any, error) {
	if key == "" {
		return nil, pkgerrors.ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}

	return v, nil
}

func (s *inMemoryStorage) Update(_ context.Context, key string, value any) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return pkgerrors.ErrNotFound
	}
	s.values[key] = value

	return nil
}

func (s *inMemoryStorage) Delete(_ context.Context, key string) error {
	if key == "" {
		return pkgerrors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return pkgerrors.ErrNotFound
	}
	delete(s.values, key)
	for i, k := range s.keys {
		if k == key {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			break
		}
	}

	return nil
}

func (s *inMemoryStorage) List(_ context.Context, offset, limit uint64) ([]any, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.keys))
	if offset >= total {
		return []any{}, total, nil
	}
	end := min(offset+limit, total)

	out := make([]any, 0, end-offset)
	for _, k := range s.keys[offset:end] {
		out = append(out, s.values[k])
	}

	return out, total, nil
}
