// Package trainer runs local optimization passes over a worker's shard.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/absmach/roundsync/pkg/dataset"
	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
	"gonum.org/v1/gonum/floats"
)

type Config struct {
	LearningRate float64 `toml:"learning_rate" env:"LEARNING_RATE"`
	Beta1        float64 `toml:"beta1"         env:"BETA1"`
	Beta2        float64 `toml:"beta2"         env:"BETA2"`
	Epsilon      float64 `toml:"epsilon"       env:"EPSILON"`
	BatchSize    int     `toml:"batch_size"    env:"BATCH_SIZE"`
}

func DefaultConfig() Config {
	return Config{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		BatchSize:    16,
	}
}

func (c Config) Validate() error {
	switch {
	case c.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive", pkgerrors.ErrConfiguration)
	case c.Beta1 < 0 || c.Beta1 >= 1, c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("%w: adam betas must be in [0, 1)", pkgerrors.ErrConfiguration)
	case c.Epsilon <= 0:
		return fmt.Errorf("%w: epsilon must be positive", pkgerrors.ErrConfiguration)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive", pkgerrors.ErrConfiguration)
	}

	return nil
}

// Trainer performs mini-batch Adam over a shard. Optimizer state lives only
// for the duration of one Run.
type Trainer struct {
	cfg    Config
	aug    Augmenter
	logger *slog.Logger
}

func New(cfg Config, aug Augmenter, logger *slog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if aug == nil {
		aug = Chain(nil)
	}

	return &Trainer{
		cfg:    cfg,
		aug:    aug,
		logger: logger,
	}, nil
}

// Run trains m for epochs passes over shard and returns the resulting
// parameters. Example order is reshuffled every pass from (seed, pass) and
// every example is augmented into a scratch buffer; shard is never written.
func (t *Trainer) Run(ctx context.Context, m model.Model, shard dataset.Dataset, epochs int, seed int64) (params.Set, error) {
	if epochs < 0 {
		return nil, fmt.Errorf("%w: negative epoch count %d", pkgerrors.ErrConfiguration, epochs)
	}
	if err := checkInput(m, shard); err != nil {
		return nil, err
	}

	ps := m.Parameters()
	grads := params.ZerosLike(ps)
	opt := newAdam(t.cfg, ps)
	scratch := make([]float32, shard.ExampleSize())

	for pass := 0; pass < epochs; pass++ {
		rng := rand.New(rand.NewSource(passSeed(seed, pass)))
		order := rng.Perm(shard.Len())

		var total float64
		for start := 0; start < len(order); start += t.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			batch := order[start:min(start+t.cfg.BatchSize, len(order))]
			for _, i := range batch {
				t.aug.Augment(rng, shard.Shape, shard.Examples[i], scratch)
				total += m.Gradient(scratch, shard.Labels[i], grads)
			}

			scale := 1 / float64(len(batch))
			for i := range grads {
				floats.Scale(scale, grads[i].Data)
			}
			opt.update(ps, grads)
			for i := range grads {
				clear(grads[i].Data)
			}
		}

		if t.logger != nil {
			t.logger.Debug("finished local pass", slog.Int("pass", pass), slog.Float64("loss", total/float64(max(shard.Len(), 1))))
		}
	}

	return m.Snapshot(), nil
}

// Score is the result of evaluating a model on a labelled set.
type Score struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Evaluate computes mean cross-entropy loss and accuracy of m on ds.
func Evaluate(ctx context.Context, m model.Model, ds dataset.Dataset) (Score, error) {
	if ds.Len() == 0 {
		return Score{}, fmt.Errorf("%w: empty evaluation set", pkgerrors.ErrInvalidData)
	}
	if err := checkInput(m, ds); err != nil {
		return Score{}, err
	}

	var loss float64
	var correct int
	for i, x := range ds.Examples {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Score{}, err
			}
		}

		probs := m.Predict(x)
		label := ds.Labels[i]
		loss -= math.Log(math.Max(probs[label], 1e-12))
		if floats.MaxIdx(probs) == label {
			correct++
		}
	}

	n := float64(ds.Len())

	return Score{Loss: loss / n, Accuracy: float64(correct) / n}, nil
}

// RoundSeed derives the training seed of one rank in one round.
func RoundSeed(base int64, round, rank int) int64 {
	return base + int64(round)*1_000_003 + int64(rank)*7_919
}

func passSeed(seed int64, pass int) int64 {
	return seed*31 + int64(pass)
}

func checkInput(m model.Model, ds dataset.Dataset) error {
	d := m.Describe()
	if ds.Len() > 0 && ds.ExampleSize() != d.InputSize() {
		return fmt.Errorf("%w: examples have %d values, model %q expects %d", pkgerrors.ErrShapeMismatch, ds.ExampleSize(), d.Name, d.InputSize())
	}
	if ds.Classes > d.Classes {
		return fmt.Errorf("%w: dataset has %d classes, model %q predicts %d", pkgerrors.ErrShapeMismatch, ds.Classes, d.Name, d.Classes)
	}

	return nil
}
