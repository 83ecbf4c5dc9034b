package roundsync

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/roundsync/pkg/checkpoint"
	"github.com/absmach/roundsync/pkg/dataset"
	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/fl"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/mqtt"
	"github.com/absmach/roundsync/pkg/trainer"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml"
)

// EnvPrefix is prepended to every environment override, e.g.
// ROUNDSYNC_RUN_WORKERS or ROUNDSYNC_MQTT_URL.
const EnvPrefix = "ROUNDSYNC_"

const (
	SourceSynthetic = "synthetic"
	SourceCIFAR10   = "cifar10"
	SourceChunks    = "chunks"

	TransportLocal = "local"
	TransportMQTT  = "mqtt"

	CheckpointNone = "none"
	CheckpointFile = "file"
	CheckpointOCI  = "oci"
)

type Config struct {
	Run        RunConfig             `toml:"run"        envPrefix:"RUN_"`
	Dataset    DatasetConfig         `toml:"dataset"    envPrefix:"DATASET_"`
	Model      ModelConfig           `toml:"model"      envPrefix:"MODEL_"`
	Optimizer  trainer.Config        `toml:"optimizer"  envPrefix:"OPTIMIZER_"`
	Augment    trainer.AugmentConfig `toml:"augment"    envPrefix:"AUGMENT_"`
	Transport  TransportConfig       `toml:"transport"  envPrefix:"TRANSPORT_"`
	MQTT       mqtt.Config           `toml:"mqtt"       envPrefix:"MQTT_"`
	Checkpoint CheckpointConfig      `toml:"checkpoint" envPrefix:"CHECKPOINT_"`
	HTTP       HTTPConfig            `toml:"http"       envPrefix:"HTTP_"`
}

type RunConfig struct {
	ID        string `toml:"id"        env:"ID"`
	Name      string `toml:"name"      env:"NAME"`
	Workers   int    `toml:"workers"   env:"WORKERS"`
	Rounds    int    `toml:"rounds"    env:"ROUNDS"`
	Epochs    int    `toml:"epochs"    env:"EPOCHS"`
	Seed      int64  `toml:"seed"      env:"SEED"`
	Algorithm string `toml:"algorithm" env:"ALGORITHM"`
	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
}

type DatasetConfig struct {
	Source string `toml:"source" env:"SOURCE"`

	// Dir holds the CIFAR-10 batches or the prepared chunks.
	Dir       string `toml:"dir"       env:"DIR"`
	Normalize bool   `toml:"normalize" env:"NORMALIZE"`

	// Shape and Classes describe synthetic and chunked data. CIFAR-10
	// batches always use their own.
	TrainSize int   `toml:"train_size" env:"TRAIN_SIZE"`
	TestSize  int   `toml:"test_size"  env:"TEST_SIZE"`
	Shape     []int `toml:"shape"      env:"SHAPE"`
	Classes   int   `toml:"classes"    env:"CLASSES"`
}

type ModelConfig struct {
	Name       string `toml:"name"       env:"NAME"`
	Hidden     []int  `toml:"hidden"     env:"HIDDEN"`
	Activation string `toml:"activation" env:"ACTIVATION"`
}

type TransportConfig struct {
	Kind string `toml:"kind" env:"KIND"`

	// Rank is this process's rank when the MQTT transport is used.
	Rank        int           `toml:"rank"         env:"RANK"`
	WorkloadKey string        `toml:"workload_key" env:"WORKLOAD_KEY"`
	JoinTimeout time.Duration `toml:"join_timeout" env:"JOIN_TIMEOUT"`
}

type CheckpointConfig struct {
	Kind string `toml:"kind" env:"KIND"`
	Dir  string `toml:"dir"  env:"DIR"`

	// Registry, when its reference is set, receives a copy of OCI checkpoints.
	Registry checkpoint.RegistryConfig `toml:"registry" envPrefix:"REGISTRY_"`
}

type HTTPConfig struct {
	// Addr of the status API; empty disables it.
	Addr string `toml:"addr" env:"ADDR"`
}

// DefaultConfig trains the CIFAR-10 MLP on two in-process workers.
func DefaultConfig() Config {
	d := model.DefaultDescriptor()
	hidden := make([]int, len(d.Hidden))
	for i, l := range d.Hidden {
		hidden[i] = l.Units
	}

	return Config{
		Run: RunConfig{
			Workers:   2,
			Rounds:    2,
			Epochs:    1,
			Seed:      1,
			Algorithm: fl.AlgorithmMean,
			LogLevel:  "info",
		},
		Dataset: DatasetConfig{
			Source:    SourceCIFAR10,
			Dir:       "data",
			TrainSize: 1024,
			TestSize:  256,
			Shape:     append([]int(nil), d.Input...),
			Classes:   d.Classes,
		},
		Model: ModelConfig{
			Name:       d.Name,
			Hidden:     hidden,
			Activation: model.ActivationReLU,
		},
		Optimizer: trainer.DefaultConfig(),
		Augment:   trainer.DefaultAugmentConfig(),
		Transport: TransportConfig{
			Kind:        TransportLocal,
			JoinTimeout: time.Minute,
		},
		MQTT: mqtt.DefaultConfig(),
		Checkpoint: CheckpointConfig{
			Kind: CheckpointFile,
			Dir:  "checkpoints",
		},
	}
}

// LoadConfig reads path on top of DefaultConfig and applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}

		tree, err := toml.Load(string(data))
		if err != nil {
			return Config{}, fmt.Errorf("error parsing config file: %w", err)
		}

		if err := tree.Unmarshal(&cfg); err != nil {
			return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("error reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WriteConfig stores cfg as TOML at path.
func WriteConfig(path string, cfg Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func (c Config) Validate() error {
	switch {
	case c.Run.Workers < 1:
		return fmt.Errorf("%w: at least one worker is required", pkgerrors.ErrConfiguration)
	case c.Run.Rounds < 1:
		return fmt.Errorf("%w: at least one round is required", pkgerrors.ErrConfiguration)
	case c.Run.Epochs < 1:
		return fmt.Errorf("%w: at least one epoch per round is required", pkgerrors.ErrConfiguration)
	}

	switch c.Dataset.Source {
	case SourceSynthetic:
		if c.Dataset.TrainSize < c.Run.Workers || c.Dataset.TestSize < 1 || c.Dataset.Classes < 2 || len(c.Dataset.Shape) == 0 {
			return fmt.Errorf("%w: synthetic dataset needs a shape, two classes and at least one example per worker", pkgerrors.ErrConfiguration)
		}
	case SourceCIFAR10, SourceChunks:
		if c.Dataset.Dir == "" {
			return fmt.Errorf("%w: dataset %s needs a directory", pkgerrors.ErrConfiguration, c.Dataset.Source)
		}
	default:
		return fmt.Errorf("%w: unknown dataset source %q", pkgerrors.ErrConfiguration, c.Dataset.Source)
	}

	switch c.Transport.Kind {
	case TransportLocal:
	case TransportMQTT:
		if c.Transport.Rank < 0 || c.Transport.Rank >= c.Run.Workers {
			return fmt.Errorf("%w: rank %d out of range [0, %d)", pkgerrors.ErrConfiguration, c.Transport.Rank, c.Run.Workers)
		}
		if c.Run.ID == "" {
			return fmt.Errorf("%w: the MQTT transport needs a shared run id", pkgerrors.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", pkgerrors.ErrConfiguration, c.Transport.Kind)
	}

	switch c.Checkpoint.Kind {
	case CheckpointNone, "":
	case CheckpointFile, CheckpointOCI:
		if c.Checkpoint.Dir == "" {
			return fmt.Errorf("%w: checkpoint directory is required", pkgerrors.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown checkpoint store %q", pkgerrors.ErrConfiguration, c.Checkpoint.Kind)
	}

	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if _, err := fl.NewAggregator(c.Run.Algorithm, nil); err != nil {
		return err
	}

	return c.Descriptor().Validate()
}

// Descriptor is the architecture the coordinator distributes.
func (c Config) Descriptor() model.Descriptor {
	d := model.Descriptor{
		Name:    c.Model.Name,
		Kind:    model.KindMLP,
		Input:   append([]int(nil), c.Dataset.Shape...),
		Classes: c.Dataset.Classes,
	}
	if c.Dataset.Source == SourceCIFAR10 {
		d.Input = []int{dataset.CIFARChannels, dataset.CIFARHeight, dataset.CIFARWidth}
		d.Classes = dataset.CIFARClasses
	}
	for _, units := range c.Model.Hidden {
		d.Hidden = append(d.Hidden, model.Layer{Units: units, Activation: c.Model.Activation})
	}

	return d
}
