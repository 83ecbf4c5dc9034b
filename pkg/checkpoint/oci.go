package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/oci"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

var errMissingLayer = errors.New("checkpoint artifact is missing a layer")

// OCIStore keeps checkpoints as OCI artifacts in an image layout directory,
// one manifest tagged <name> with a descriptor layer and a parameter layer.
type OCIStore struct {
	store *oci.Store
	dir   string
}

var _ Store = (*OCIStore)(nil)

func NewOCIStore(dir string) (*OCIStore, error) {
	store, err := oci.New(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open OCI layout %s: %w", dir, err)
	}

	return &OCIStore{store: store, dir: dir}, nil
}

func (s *OCIStore) Save(ctx context.Context, name string, d model.Descriptor, p params.Set) (string, error) {
	desc, err := d.Marshal()
	if err != nil {
		return "", err
	}
	data, err := params.Marshal(p)
	if err != nil {
		return "", err
	}

	descLayer, err := s.push(ctx, DescriptorMediaType, desc)
	if err != nil {
		return "", err
	}
	paramsLayer, err := s.push(ctx, ParamsMediaType, data)
	if err != nil {
		return "", err
	}

	manifest, err := oras.PackManifest(ctx, s.store, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{descLayer, paramsLayer},
		ManifestAnnotations: map[string]string{
			ocispec.AnnotationTitle: name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to pack checkpoint manifest: %w", err)
	}
	if err := s.store.Tag(ctx, manifest, name); err != nil {
		return "", fmt.Errorf("failed to tag checkpoint %s: %w", name, err)
	}

	return fmt.Sprintf("%s:%s@%s", s.dir, name, manifest.Digest), nil
}

func (s *OCIStore) Load(ctx context.Context, name string) (model.Descriptor, params.Set, error) {
	manifestDesc, err := s.store.Resolve(ctx, name)
	if errors.Is(err, errdef.ErrNotFound) {
		return model.Descriptor{}, nil, fmt.Errorf("%w: checkpoint %s", pkgerrors.ErrNotFound, name)
	}
	if err != nil {
		return model.Descriptor{}, nil, err
	}

	raw, err := content.FetchAll(ctx, s.store, manifestDesc)
	if err != nil {
		return model.Descriptor{}, nil, err
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return model.Descriptor{}, nil, fmt.Errorf("failed to decode checkpoint manifest: %w", err)
	}

	layers := make(map[string][]byte, len(manifest.Layers))
	for _, l := range manifest.Layers {
		data, err := content.FetchAll(ctx, s.store, l)
		if err != nil {
			return model.Descriptor{}, nil, err
		}
		layers[l.MediaType] = data
	}
	desc, ok := layers[DescriptorMediaType]
	if !ok {
		return model.Descriptor{}, nil, fmt.Errorf("%w: %s", errMissingLayer, DescriptorMediaType)
	}
	data, ok := layers[ParamsMediaType]
	if !ok {
		return model.Descriptor{}, nil, fmt.Errorf("%w: %s", errMissingLayer, ParamsMediaType)
	}

	d, err := model.UnmarshalDescriptor(desc)
	if err != nil {
		return model.Descriptor{}, nil, err
	}
	p, err := params.Unmarshal(data)
	if err != nil {
		return model.Descriptor{}, nil, err
	}

	return d, p, nil
}

type RegistryConfig struct {
	Reference string `toml:"reference"  env:"REFERENCE"`
	Username  string `toml:"username"   env:"USERNAME"`
	Password  string `toml:"password"   env:"PASSWORD"`
	PlainHTTP bool   `toml:"plain_http" env:"PLAIN_HTTP"`
}

// PushRemote copies the checkpoint tagged name to a registry repository.
func (s *OCIStore) PushRemote(ctx context.Context, name string, cfg RegistryConfig) (ocispec.Descriptor, error) {
	repo, err := remote.NewRepository(cfg.Reference)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: invalid registry reference %q: %w", pkgerrors.ErrConfiguration, cfg.Reference, err)
	}
	repo.PlainHTTP = cfg.PlainHTTP
	if cfg.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Cache:  auth.NewCache(),
			Credential: auth.StaticCredential(repo.Reference.Registry, auth.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			}),
		}
	}

	tag := repo.Reference.Reference
	if tag == "" {
		tag = name
	}

	return oras.Copy(ctx, s.store, name, repo, tag, oras.DefaultCopyOptions)
}

func (s *OCIStore) push(ctx context.Context, mediaType string, data []byte) (ocispec.Descriptor, error) {
	desc := content.NewDescriptorFromBytes(mediaType, data)
	err := s.store.Push(ctx, desc, bytes.NewReader(data))
	if err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
		return ocispec.Descriptor{}, fmt.Errorf("failed to store %s layer: %w", mediaType, err)
	}

	return desc, nil
}
