package storage

import (
	"context"
	"errors"
	"testing"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

func TestInMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Create(ctx, k, k+"-value"); err != nil {
			t.Fatalf("Create(%s): %v", k, err)
		}
	}

	tests := []struct {
		name        string
		op          func() error
		expectedErr error
	}{
		{name: "duplicate create", op: func() error { return s.Create(ctx, "a", 1) }, expectedErr: pkgerrors.ErrEntityExists},
		{name: "empty key", op: func() error { return s.Create(ctx, "", 1) }, expectedErr: pkgerrors.ErrEmptyKey},
		{name: "update missing", op: func() error { return s.Update(ctx, "z", 1) }, expectedErr: pkgerrors.ErrNotFound},
		{name: "delete missing", op: func() error { return s.Delete(ctx, "z") }, expectedErr: pkgerrors.ErrNotFound},
		{name: "get missing", op: func() error { _, err := s.Get(ctx, "z"); return err }, expectedErr: pkgerrors.ErrNotFound},
		{name: "update existing", op: func() error { return s.Update(ctx, "b", "updated") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, tt.expectedErr) {
				t.Fatalf("Expected error %v, got %v", tt.expectedErr, err)
			}
		})
	}

	v, err := s.Get(ctx, "b")
	if err != nil || v != "updated" {
		t.Fatalf("Expected updated value, got %v %v", v, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	page, total, err := s.List(ctx, 0, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(page) != 2 || page[0] != "updated" || page[1] != "c-value" {
		t.Fatalf("Unexpected list result %v (total %d)", page, total)
	}

	page, _, err = s.List(ctx, 5, 10)
	if err != nil || len(page) != 0 {
		t.Fatalf("Expected empty page past the end, got %v %v", page, err)
	}
}
