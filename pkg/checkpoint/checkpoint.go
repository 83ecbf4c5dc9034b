// Package checkpoint persists a model's architecture and its parameters as
// two separate artifacts under one name.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
)

const (
	DescriptorMediaType = "application/vnd.roundsync.model.descriptor.v1+json"
	ParamsMediaType     = "application/vnd.roundsync.model.params.v1+cbor"
	ArtifactType        = "application/vnd.roundsync.checkpoint.v1"
)

type Store interface {
	// Save writes the descriptor and parameters under name and returns where they went.
	Save(ctx context.Context, name string, d model.Descriptor, p params.Set) (string, error)

	Load(ctx context.Context, name string) (model.Descriptor, params.Set, error)
}

// Name is the artifact name of the parameters rank holds after rounds rounds.
func Name(rank, rounds int) string {
	return fmt.Sprintf("weights_r%d_e%d", rank, rounds)
}

// Restore loads name and instantiates a model holding the stored parameters.
func Restore(ctx context.Context, s Store, name string, instantiate model.InstantiateFunc) (model.Model, error) {
	d, p, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	m, err := instantiate(d)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(p); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", name, err)
	}

	return m, nil
}
