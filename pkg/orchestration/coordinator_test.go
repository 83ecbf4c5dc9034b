package orchestration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/roundsync/pkg/checkpoint"
	"github.com/absmach/roundsync/pkg/dataset"
	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/group"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/absmach/roundsync/pkg/orchestration/store"
	"github.com/absmach/roundsync/pkg/params"
	"github.com/absmach/roundsync/pkg/storage"
	"github.com/absmach/roundsync/pkg/trainer"
)

var errBoom = errors.New("boom")

// scalarModel is a model with a single parameter.
type scalarModel struct {
	value float64
}

func (m *scalarModel) Describe() model.Descriptor {
	return model.Descriptor{Name: "scalar", Kind: "scalar", Input: []int{1}, Classes: 1}
}

func (m *scalarModel) Snapshot() params.Set {
	return scalarSet(m.value)
}

func (m *scalarModel) Restore(p params.Set) error {
	if len(p) != 1 || p[0].Len() != 1 {
		return pkgerrors.ErrShapeMismatch
	}
	m.value = p[0].Data[0]

	return nil
}

func (m *scalarModel) Parameters() params.Set {
	return scalarSet(m.value)
}

func (m *scalarModel) Predict([]float32) []float64 {
	return []float64{1}
}

func (m *scalarModel) Gradient([]float32, int, params.Set) float64 {
	return 0
}

func scalarSet(v float64) params.Set {
	t, _ := params.FromValues([]int{1}, []float64{v})

	return params.Set{t}
}

func scalarOf(s params.Set) float64 {
	return s[0].Data[0]
}

func instantiateScalar(initial float64) model.InstantiateFunc {
	return func(model.Descriptor) (model.Model, error) {
		return &scalarModel{value: initial}, nil
	}
}

type trainerFunc func(ctx context.Context, m model.Model, shard dataset.Dataset, epochs int, seed int64) (params.Set, error)

func (f trainerFunc) Run(ctx context.Context, m model.Model, shard dataset.Dataset, epochs int, seed int64) (params.Set, error) {
	return f(ctx, m, shard, epochs, seed)
}

// addTrainer adds delta to the restored parameter.
func addTrainer(delta float64) orchestration.LocalTrainer {
	return trainerFunc(func(_ context.Context, m model.Model, _ dataset.Dataset, _ int, _ int64) (params.Set, error) {
		return scalarSet(scalarOf(m.Snapshot()) + delta), nil
	})
}

func identityTrainer() orchestration.LocalTrainer {
	return addTrainer(0)
}

type failingLoader struct {
	dataset.ShardLoader
	rank int
}

func (l failingLoader) ShardFor(rank, total int) (dataset.Dataset, error) {
	if rank == l.rank {
		return dataset.Dataset{}, errBoom
	}

	return l.ShardLoader.ShardFor(rank, total)
}

// countingLoader records how often each rank reads the test set.
type countingLoader struct {
	dataset.ShardLoader
	rank  int
	mu    *sync.Mutex
	calls map[int]int
}

func (l countingLoader) TestSet() (dataset.Dataset, error) {
	l.mu.Lock()
	l.calls[l.rank]++
	l.mu.Unlock()

	return l.ShardLoader.TestSet()
}

// corruptGroup replaces the payload of one Recv tag and one Gather tag
// with bytes that do not decode.
type corruptGroup struct {
	group.WorkerGroup
	recvTag   string
	gatherTag string
}

var garbage = []byte{0xff, 0xff}

func (g corruptGroup) Recv(ctx context.Context, from int, tag string) ([]byte, error) {
	data, err := g.WorkerGroup.Recv(ctx, from, tag)
	if err == nil && tag == g.recvTag {
		return garbage, nil
	}

	return data, err
}

func (g corruptGroup) Gather(ctx context.Context, root int, tag string, payload []byte) ([][]byte, error) {
	if tag == g.gatherTag {
		payload = garbage
	}

	return g.WorkerGroup.Gather(ctx, root, tag, payload)
}

func evaluateScalar(_ context.Context, m model.Model, _ dataset.Dataset) (trainer.Score, error) {
	return trainer.Score{Loss: scalarOf(m.Snapshot()), Accuracy: 1}, nil
}

type cluster struct {
	size        int
	cfg         orchestration.Config
	instantiate model.InstantiateFunc
	evaluate    orchestration.EvaluateFunc
	loader      func(rank int) dataset.ShardLoader
	trainer     func(rank int) orchestration.LocalTrainer
	coordOpts   []orchestration.Option
	wrap        func(rank int, g group.WorkerGroup) group.WorkerGroup
	coordinator *orchestration.RoundCoordinator
}

// memoryLoader serves generated data, which is always valid.
func memoryLoader(train, test dataset.Dataset) dataset.ShardLoader {
	l, err := dataset.NewMemoryLoader(train, test)
	if err != nil {
		panic(err)
	}

	return l
}

func newCluster(size int, trainers func(rank int) orchestration.LocalTrainer) *cluster {
	loader := memoryLoader(
		dataset.Synthetic(4*size, 2, []int{1}, 1),
		dataset.Synthetic(4, 2, []int{1}, 2),
	)

	return &cluster{
		size: size,
		cfg: orchestration.Config{
			RunID:      "run-1",
			Name:       "test",
			Rounds:     1,
			Epochs:     1,
			Seed:       1,
			Descriptor: (&scalarModel{}).Describe(),
		},
		instantiate: instantiateScalar(10),
		evaluate:    evaluateScalar,
		loader:      func(int) dataset.ShardLoader { return loader },
		trainer:     trainers,
	}
}

func (c *cluster) run(t *testing.T) ([]orchestration.Result, []error) {
	t.Helper()

	groups, err := group.NewLocalCluster(c.size)
	if err != nil {
		t.Fatalf("NewLocalCluster: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := make([]orchestration.Result, c.size)
	errs := make([]error, c.size)
	coordinators := make([]*orchestration.RoundCoordinator, c.size)
	for rank := range c.size {
		opts := []orchestration.Option{orchestration.WithEvaluator(c.evaluate)}
		if rank == orchestration.CoordinatorRank {
			opts = append(opts, c.coordOpts...)
		}
		var g group.WorkerGroup = groups[rank]
		if c.wrap != nil {
			g = c.wrap(rank, g)
		}
		rc, err := orchestration.NewRoundCoordinator(c.cfg, g, c.loader(rank), c.trainer(rank), c.instantiate, logger, opts...)
		if err != nil {
			t.Fatalf("NewRoundCoordinator(%d): %v", rank, err)
		}
		coordinators[rank] = rc
	}
	c.coordinator = coordinators[orchestration.CoordinatorRank]

	var wg sync.WaitGroup
	for rank := range c.size {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[rank], errs[rank] = coordinators[rank].Run(ctx)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		t.Fatalf("cluster did not finish: %v", ctx.Err())
	}
	for _, g := range groups {
		g.Close()
	}

	return results, errs
}

func TestRunTwoWorkersOneRound(t *testing.T) {
	c := newCluster(2, func(rank int) orchestration.LocalTrainer {
		return addTrainer(float64(rank))
	})
	rounds := store.NewMemoryRoundStore(storage.NewInMemoryStorage())
	c.coordOpts = []orchestration.Option{orchestration.WithRoundStore(rounds)}

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	res := results[0]
	if got := scalarOf(res.Consensus); got != 10.5 {
		t.Errorf("expected consensus 10.5, got %v", got)
	}
	if res.Score == nil || res.Score.Loss != 10.5 {
		t.Errorf("expected evaluation of the consensus, got %+v", res.Score)
	}
	if results[1].Score == nil || *results[1].Score != *res.Score {
		t.Errorf("participant did not receive the final score: %+v", results[1].Score)
	}

	record, err := rounds.GetRound(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if record.Status != orchestration.RoundStatusCompleted || len(record.Contributions) != 2 {
		t.Fatalf("unexpected record: %+v", record)
	}
	for rank, want := range []float64{10, 11} {
		if record.Contributions[rank].Norm != want {
			t.Errorf("rank %d: expected gathered %v, got %v", rank, want, record.Contributions[rank].Norm)
		}
	}

	notes := make(map[string]bool)
	for _, tm := range res.Timings {
		notes[tm.Note] = true
	}
	for _, note := range []string{"Preparation time", "Training time", "Evaluation time"} {
		if !notes[note] {
			t.Errorf("missing timing %q", note)
		}
	}
	for _, tm := range results[1].Timings {
		if tm.Note == "Evaluation time" {
			t.Error("participants do not evaluate")
		}
	}

	st := c.coordinator.Status()
	if st.Phase != orchestration.Done || st.Score == nil || st.Error != "" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestRunIdentityTrainerIsFixedPoint(t *testing.T) {
	c := newCluster(3, func(int) orchestration.LocalTrainer { return identityTrainer() })
	c.cfg.Rounds = 4

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if got := scalarOf(results[0].Consensus); got != 10 {
		t.Errorf("expected consensus to stay at 10, got %v", got)
	}
}

func TestRunConsensusAcrossRounds(t *testing.T) {
	c := newCluster(3, func(rank int) orchestration.LocalTrainer {
		return addTrainer(float64(rank))
	})
	c.cfg.Rounds = 3

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	// each round adds mean(0, 1, 2) = 1
	if got := scalarOf(results[0].Consensus); got != 13 {
		t.Errorf("expected consensus 13, got %v", got)
	}
}

func TestRunWaitsForSlowWorker(t *testing.T) {
	var calls sync.Map
	c := newCluster(3, func(rank int) orchestration.LocalTrainer {
		return trainerFunc(func(ctx context.Context, m model.Model, _ dataset.Dataset, _ int, _ int64) (params.Set, error) {
			calls.Store(rank, true)
			if rank == 2 {
				select {
				case <-time.After(100 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return scalarSet(scalarOf(m.Snapshot()) + 3*float64(rank)), nil
		})
	})

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	// mean(10, 13, 16)
	if got := scalarOf(results[0].Consensus); got != 13 {
		t.Errorf("expected all three contributions, got consensus %v", got)
	}
	for rank := range 3 {
		if _, ok := calls.Load(rank); !ok {
			t.Errorf("rank %d never trained", rank)
		}
	}
}

func TestRunWeightedAggregation(t *testing.T) {
	c := newCluster(2, func(rank int) orchestration.LocalTrainer {
		return addTrainer(float64(rank))
	})
	c.cfg.Algorithm = "weighted"
	train := dataset.Synthetic(4, 2, []int{1}, 1)
	c.loader = func(int) dataset.ShardLoader {
		return memoryLoader(train, train)
	}

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	// equal shards weigh equally
	if got := scalarOf(results[0].Consensus); got != 10.5 {
		t.Errorf("expected consensus 10.5, got %v", got)
	}
}

func TestRunSavesCheckpoint(t *testing.T) {
	fs, err := checkpoint.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := newCluster(2, func(rank int) orchestration.LocalTrainer {
		return addTrainer(float64(rank))
	})
	c.cfg.Rounds = 2
	c.coordOpts = []orchestration.Option{orchestration.WithCheckpointStore(fs)}

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if results[0].Checkpoint == "" {
		t.Fatal("expected a checkpoint location")
	}

	m, err := checkpoint.Restore(context.Background(), fs, checkpoint.Name(0, 2), instantiateScalar(0))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := scalarOf(m.Snapshot()); got != 11 {
		t.Errorf("expected checkpointed consensus 11, got %v", got)
	}
}

func TestRunTrainsMLP(t *testing.T) {
	tr, err := trainer.New(trainer.Config{LearningRate: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, BatchSize: 8}, nil, nil)
	if err != nil {
		t.Fatalf("trainer.New: %v", err)
	}
	data := dataset.Synthetic(96, 3, []int{1, 4, 4}, 5)

	c := newCluster(2, func(int) orchestration.LocalTrainer { return tr })
	c.cfg.Rounds = 3
	c.cfg.Epochs = 2
	c.cfg.Descriptor = model.Descriptor{
		Name:    "tiny",
		Kind:    model.KindMLP,
		Input:   []int{1, 4, 4},
		Classes: 3,
		Hidden:  []model.Layer{{Units: 8, Activation: model.ActivationReLU}},
	}
	c.instantiate = model.Instantiator(3)
	c.evaluate = trainer.Evaluate
	c.loader = func(int) dataset.ShardLoader { return memoryLoader(data, data) }

	results, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	initial, err := model.Instantiate(c.cfg.Descriptor, 3)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	res := results[0]
	if !params.Compatible(initial.Snapshot(), res.Consensus) {
		t.Fatal("consensus does not fit the distributed architecture")
	}
	if res.Consensus.Equal(initial.Snapshot()) {
		t.Error("consensus did not move from the initial weights")
	}
	if res.Score == nil || res.Score.Accuracy < 0 || res.Score.Accuracy > 1 {
		t.Errorf("unexpected score: %+v", res.Score)
	}
}

func TestRunFailurePropagates(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		rounds     int
		failRank   int
		failRound  int
		loader     bool
		phase      orchestration.Phase
		expectedAt int
	}{
		{name: "participant fails in training", size: 3, rounds: 3, failRank: 2, failRound: 1, phase: orchestration.Training, expectedAt: 1},
		{name: "participant fails in last round", size: 2, rounds: 2, failRank: 1, failRound: 1, phase: orchestration.Training, expectedAt: 1},
		{name: "coordinator fails in training", size: 3, rounds: 2, failRank: 0, failRound: 0, phase: orchestration.Training, expectedAt: 0},
		{name: "coordinator fails in only round", size: 2, rounds: 1, failRank: 0, failRound: 0, phase: orchestration.Training, expectedAt: 0},
		{name: "participant cannot load its shard", size: 3, rounds: 2, failRank: 1, loader: true, phase: orchestration.Distributing, expectedAt: -1},
		{name: "coordinator cannot load its shard", size: 2, rounds: 2, failRank: 0, loader: true, phase: orchestration.Distributing, expectedAt: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(tt.size, func(rank int) orchestration.LocalTrainer {
				round := 0
				return trainerFunc(func(_ context.Context, m model.Model, _ dataset.Dataset, _ int, _ int64) (params.Set, error) {
					defer func() { round++ }()
					if !tt.loader && rank == tt.failRank && round == tt.failRound {
						return nil, errBoom
					}
					return m.Snapshot(), nil
				})
			})
			c.cfg.Rounds = tt.rounds
			if tt.loader {
				base := c.loader(0)
				c.loader = func(int) dataset.ShardLoader {
					return failingLoader{ShardLoader: base, rank: tt.failRank}
				}
			}

			_, errs := c.run(t)
			for rank, err := range errs {
				var rerr *orchestration.RoundError
				if !errors.As(err, &rerr) {
					t.Fatalf("rank %d: expected RoundError, got %v", rank, err)
				}
				if rerr.Round != tt.expectedAt || rerr.Rank != tt.failRank || rerr.Phase != tt.phase {
					t.Errorf("rank %d: expected round %d rank %d %s, got %v", rank, tt.expectedAt, tt.failRank, tt.phase, rerr)
				}
				if rank == tt.failRank {
					if !errors.Is(err, errBoom) {
						t.Errorf("rank %d: expected the local error, got %v", rank, err)
					}
					continue
				}
				if !errors.Is(err, pkgerrors.ErrRemoteFailure) {
					t.Errorf("rank %d: expected ErrRemoteFailure, got %v", rank, err)
				}
			}

			st := c.coordinator.Status()
			if st.Phase != orchestration.Failed || st.Error == "" {
				t.Errorf("unexpected coordinator status: %+v", st)
			}
		})
	}
}

func TestRunFailureRecordsRound(t *testing.T) {
	rounds := store.NewMemoryRoundStore(storage.NewInMemoryStorage())
	c := newCluster(2, func(rank int) orchestration.LocalTrainer {
		return trainerFunc(func(context.Context, model.Model, dataset.Dataset, int, int64) (params.Set, error) {
			if rank == 1 {
				return nil, errBoom
			}
			return scalarSet(1), nil
		})
	})
	c.coordOpts = []orchestration.Option{orchestration.WithRoundStore(rounds)}

	if _, errs := c.run(t); errs[0] == nil {
		t.Fatal("expected the coordinator to fail")
	}

	record, err := rounds.GetRound(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if record.Status != orchestration.RoundStatusFailed || record.Error == "" || record.EndTime == nil {
		t.Errorf("unexpected record: %+v", record)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := orchestration.Config{RunID: "r", Rounds: 1, Epochs: 1}

	tests := []struct {
		name   string
		mutate func(*orchestration.Config)
		valid  bool
	}{
		{name: "valid", mutate: func(*orchestration.Config) {}, valid: true},
		{name: "weighted", mutate: func(c *orchestration.Config) { c.Algorithm = "weighted" }, valid: true},
		{name: "zero rounds", mutate: func(c *orchestration.Config) { c.Rounds = 0 }},
		{name: "zero epochs", mutate: func(c *orchestration.Config) { c.Epochs = 0 }},
		{name: "unknown algorithm", mutate: func(c *orchestration.Config) { c.Algorithm = "median" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.valid && !errors.Is(err, pkgerrors.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestRunRejectsIncompatibleContribution(t *testing.T) {
	const culprit = 2
	c := newCluster(3, func(rank int) orchestration.LocalTrainer {
		if rank != culprit {
			return identityTrainer()
		}
		return trainerFunc(func(context.Context, model.Model, dataset.Dataset, int, int64) (params.Set, error) {
			tensor, err := params.FromValues([]int{2}, []float64{1, 2})
			return params.Set{tensor}, err
		})
	})
	c.cfg.Rounds = 2

	_, errs := c.run(t)
	for rank, err := range errs {
		var rerr *orchestration.RoundError
		if !errors.As(err, &rerr) {
			t.Fatalf("rank %d: expected RoundError, got %v", rank, err)
		}
		if rerr.Round != 0 || rerr.Rank != culprit || rerr.Phase != orchestration.Aggregating {
			t.Errorf("rank %d: expected round 0 rank %d Aggregating, got %v", rank, culprit, rerr)
		}
		if rank == orchestration.CoordinatorRank {
			if !errors.Is(err, pkgerrors.ErrShapeMismatch) {
				t.Errorf("expected ErrShapeMismatch on the coordinator, got %v", err)
			}
			continue
		}
		if !errors.Is(err, pkgerrors.ErrRemoteFailure) {
			t.Errorf("rank %d: expected ErrRemoteFailure, got %v", rank, err)
		}
	}
}

func TestRunCorruptedMessages(t *testing.T) {
	tests := []struct {
		name      string
		rank      int
		recvTag   string
		gatherTag string
		round     int
		phase     orchestration.Phase
	}{
		{name: "undecodable assignment", rank: 2, recvTag: "assignment", round: -1, phase: orchestration.Distributing},
		{name: "undecodable contribution", rank: 1, gatherTag: "update/0", round: 0, phase: orchestration.Aggregating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(3, func(int) orchestration.LocalTrainer { return identityTrainer() })
			c.wrap = func(rank int, g group.WorkerGroup) group.WorkerGroup {
				if rank != tt.rank {
					return g
				}
				return corruptGroup{WorkerGroup: g, recvTag: tt.recvTag, gatherTag: tt.gatherTag}
			}

			_, errs := c.run(t)
			for rank, err := range errs {
				var rerr *orchestration.RoundError
				if !errors.As(err, &rerr) {
					t.Fatalf("rank %d: expected RoundError, got %v", rank, err)
				}
				if rerr.Round != tt.round || rerr.Rank != tt.rank || rerr.Phase != tt.phase {
					t.Errorf("rank %d: expected round %d rank %d %s, got %v", rank, tt.round, tt.rank, tt.phase, rerr)
				}
			}
		})
	}
}

func TestRunOnlyCoordinatorReadsTestSet(t *testing.T) {
	c := newCluster(3, func(int) orchestration.LocalTrainer { return identityTrainer() })
	c.cfg.Rounds = 2
	base := c.loader(0)
	var mu sync.Mutex
	calls := make(map[int]int)
	c.loader = func(rank int) dataset.ShardLoader {
		return countingLoader{ShardLoader: base, rank: rank, mu: &mu, calls: calls}
	}
	c.evaluate = func(ctx context.Context, m model.Model, test dataset.Dataset) (trainer.Score, error) {
		if test.Len() == 0 {
			return trainer.Score{}, errors.New("empty test set")
		}
		return evaluateScalar(ctx, m, test)
	}

	_, errs := c.run(t)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	if calls[orchestration.CoordinatorRank] != 1 {
		t.Errorf("expected the coordinator to read the test set once, got %d", calls[orchestration.CoordinatorRank])
	}
	for rank := 1; rank < 3; rank++ {
		if calls[rank] != 0 {
			t.Errorf("rank %d read the test set %d times", rank, calls[rank])
		}
	}
}
