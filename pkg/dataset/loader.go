package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/fxamacker/cbor/v2"
)

const (
	manifestFile  = "manifest.json"
	testChunkFile = "test.cbor"
	chunkTemplate = "chunk_r%d.cbor"

	filePermissions = 0o644
	dirPermissions  = 0o755
)

type ShardLoader interface {
	// ShardFor returns the disjoint training partition that belongs to rank.
	ShardFor(rank, total int) (Dataset, error)

	// TestSet returns the held-out evaluation set. Every caller gets the same data.
	TestSet() (Dataset, error)
}

// MemoryLoader partitions an in-memory training set on demand.
type MemoryLoader struct {
	train Dataset
	test  Dataset
}

var _ ShardLoader = (*MemoryLoader)(nil)

func NewMemoryLoader(train, test Dataset) (*MemoryLoader, error) {
	if err := train.Validate(); err != nil {
		return nil, fmt.Errorf("training set: %w", err)
	}
	if err := test.Validate(); err != nil {
		return nil, fmt.Errorf("test set: %w", err)
	}

	return &MemoryLoader{train: train, test: test}, nil
}

func (l *MemoryLoader) ShardFor(rank, total int) (Dataset, error) {
	iv, err := ShardIndices(l.train.Len(), rank, total)
	if err != nil {
		return Dataset{}, err
	}

	return l.train.Slice(iv), nil
}

func (l *MemoryLoader) TestSet() (Dataset, error) {
	return l.test, nil
}

// Manifest describes a directory of per-rank chunks.
type Manifest struct {
	Workers       int        `json:"workers"`
	TrainExamples int        `json:"train_examples"`
	TestExamples  int        `json:"test_examples"`
	Shape         []int      `json:"shape"`
	Classes       int        `json:"classes"`
	Shards        []Interval `json:"shards"`
	Mean          float64    `json:"mean"`
}

// ChunkLoader reads shards written by WriteChunks, one file per rank.
type ChunkLoader struct {
	dir      string
	manifest Manifest
}

var _ ShardLoader = (*ChunkLoader)(nil)

func NewChunkLoader(dir string) (*ChunkLoader, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse chunk manifest: %w", err)
	}
	if m.Workers <= 0 || len(m.Shards) != m.Workers {
		return nil, fmt.Errorf("%w: manifest lists %d shards for %d workers", pkgerrors.ErrConfiguration, len(m.Shards), m.Workers)
	}

	return &ChunkLoader{dir: dir, manifest: m}, nil
}

func (l *ChunkLoader) Manifest() Manifest {
	return l.manifest
}

func (l *ChunkLoader) ShardFor(rank, total int) (Dataset, error) {
	if total != l.manifest.Workers {
		return Dataset{}, fmt.Errorf("%w: chunks were written for %d workers, requested %d", pkgerrors.ErrConfiguration, l.manifest.Workers, total)
	}
	if _, err := ShardIndices(l.manifest.TrainExamples, rank, total); err != nil {
		return Dataset{}, err
	}

	return readChunk(filepath.Join(l.dir, fmt.Sprintf(chunkTemplate, rank)))
}

func (l *ChunkLoader) TestSet() (Dataset, error) {
	return readChunk(filepath.Join(l.dir, testChunkFile))
}

// WriteChunks splits train into workers shards and writes them, the test set and a manifest to dir.
func WriteChunks(dir string, train, test Dataset, workers int, mean float64) (Manifest, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return Manifest{}, fmt.Errorf("failed to create chunk directory: %w", err)
	}

	m := Manifest{
		Workers:       workers,
		TrainExamples: train.Len(),
		TestExamples:  test.Len(),
		Shape:         train.Shape,
		Classes:       train.Classes,
		Mean:          mean,
	}
	for rank := 0; rank < workers; rank++ {
		iv, err := ShardIndices(train.Len(), rank, workers)
		if err != nil {
			return Manifest{}, err
		}
		if err := writeChunk(filepath.Join(dir, fmt.Sprintf(chunkTemplate, rank)), train.Slice(iv)); err != nil {
			return Manifest{}, err
		}
		m.Shards = append(m.Shards, iv)
	}
	if err := writeChunk(filepath.Join(dir, testChunkFile), test); err != nil {
		return Manifest{}, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, err
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, filePermissions); err != nil {
		return Manifest{}, fmt.Errorf("failed to write chunk manifest: %w", err)
	}

	return m, nil
}

func writeChunk(path string, ds Dataset) error {
	data, err := cbor.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode chunk %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", path, err)
	}

	return nil
}

func readChunk(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to read chunk %s: %w", path, err)
	}

	var ds Dataset
	if err := cbor.Unmarshal(data, &ds); err != nil {
		return Dataset{}, fmt.Errorf("failed to decode chunk %s: %w", path, err)
	}
	if err := ds.Validate(); err != nil {
		return Dataset{}, fmt.Errorf("chunk %s: %w", path, err)
	}

	return ds, nil
}
