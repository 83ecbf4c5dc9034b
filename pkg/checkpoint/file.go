package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
)

const (
	descriptorExt = ".json"
	paramsExt     = ".cbor"

	filePermissions = 0o644
	dirPermissions  = 0o755
)

// FileStore writes <name>.json and <name>.cbor into a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Save(_ context.Context, name string, d model.Descriptor, p params.Set) (string, error) {
	desc, err := d.Marshal()
	if err != nil {
		return "", err
	}
	data, err := params.Marshal(p)
	if err != nil {
		return "", err
	}

	base := filepath.Join(s.dir, name)
	if err := writeFile(base+descriptorExt, desc); err != nil {
		return "", err
	}
	if err := writeFile(base+paramsExt, data); err != nil {
		return "", err
	}

	return base, nil
}

func (s *FileStore) Load(_ context.Context, name string) (model.Descriptor, params.Set, error) {
	base := filepath.Join(s.dir, name)

	desc, err := readFile(base + descriptorExt)
	if err != nil {
		return model.Descriptor{}, nil, err
	}
	d, err := model.UnmarshalDescriptor(desc)
	if err != nil {
		return model.Descriptor{}, nil, err
	}

	data, err := readFile(base + paramsExt)
	if err != nil {
		return model.Descriptor{}, nil, err
	}
	p, err := params.Unmarshal(data)
	if err != nil {
		return model.Descriptor{}, nil, err
	}

	return d, p, nil
}

// writeFile replaces path atomically so a crash never leaves half a checkpoint.
func writeFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}
