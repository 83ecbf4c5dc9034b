package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/absmach/roundsync"
	"github.com/absmach/roundsync/api"
	"github.com/absmach/roundsync/pkg/checkpoint"
	"github.com/absmach/roundsync/pkg/crypto"
	"github.com/absmach/roundsync/pkg/dataset"
	"github.com/absmach/roundsync/pkg/group"
	groupmqtt "github.com/absmach/roundsync/pkg/group/mqtt"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/mqtt"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/absmach/roundsync/pkg/orchestration/events"
	"github.com/absmach/roundsync/pkg/orchestration/store"
	"github.com/absmach/roundsync/pkg/storage"
	"github.com/absmach/roundsync/pkg/trainer"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var namegen = namegenerator.NewGenerator()

// Runner assembles the components of one training run from a Config.
type Runner struct {
	cfg         roundsync.Config
	logger      *slog.Logger
	loader      dataset.ShardLoader
	trainer     *trainer.Trainer
	checkpoints checkpoint.Store
	rounds      orchestration.RoundStore
}

func NewRunner(cfg roundsync.Config, logger *slog.Logger) (*Runner, error) {
	if cfg.Run.ID == "" {
		cfg.Run.ID = uuid.NewString()
	}
	if cfg.Run.Name == "" {
		cfg.Run.Name = namegen.Generate()
	}

	loader, err := NewLoader(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	tr, err := trainer.New(cfg.Optimizer, trainer.NewAugmenter(cfg.Augment), logger)
	if err != nil {
		return nil, err
	}

	checkpoints, err := newCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return nil, err
	}

	return &Runner{
		cfg:         cfg,
		logger:      logger.With(slog.String("run_id", cfg.Run.ID)),
		loader:      loader,
		trainer:     tr,
		checkpoints: checkpoints,
		rounds:      store.NewMemoryRoundStore(storage.NewInMemoryStorage()),
	}, nil
}

// Run executes the run on the configured transport and returns the result of
// the lowest local rank.
func (r *Runner) Run(ctx context.Context) (orchestration.Result, error) {
	r.logger.InfoContext(ctx, "starting run",
		slog.String("name", r.cfg.Run.Name),
		slog.Int("workers", r.cfg.Run.Workers),
		slog.Int("rounds", r.cfg.Run.Rounds),
		slog.String("transport", r.cfg.Transport.Kind),
	)

	switch r.cfg.Transport.Kind {
	case roundsync.TransportMQTT:
		return r.runMQTT(ctx)
	default:
		return r.runLocal(ctx)
	}
}

func (r *Runner) runLocal(ctx context.Context) (orchestration.Result, error) {
	groups, err := group.NewLocalCluster(r.cfg.Run.Workers)
	if err != nil {
		return orchestration.Result{}, err
	}
	defer func() {
		for _, g := range groups {
			g.Close()
		}
	}()

	coordinators := make([]*orchestration.RoundCoordinator, len(groups))
	for rank, g := range groups {
		if coordinators[rank], err = r.newCoordinator(g, nil); err != nil {
			return orchestration.Result{}, err
		}
	}

	stop := r.serveStatus(coordinators[orchestration.CoordinatorRank])
	defer stop()

	// Ranks share no cancellation; a failure reaches the others through the protocol.
	results := make([]orchestration.Result, len(groups))
	errs := make([]error, len(groups))
	var eg errgroup.Group
	for rank := range coordinators {
		eg.Go(func() error {
			results[rank], errs[rank] = coordinators[rank].Run(ctx)

			return errs[rank]
		})
	}
	if err := eg.Wait(); err != nil {
		if errs[orchestration.CoordinatorRank] != nil {
			err = errs[orchestration.CoordinatorRank]
		}

		return results[orchestration.CoordinatorRank], err
	}

	return results[orchestration.CoordinatorRank], r.publishCheckpoint(ctx, results[orchestration.CoordinatorRank])
}

func (r *Runner) runMQTT(ctx context.Context) (orchestration.Result, error) {
	rank := r.cfg.Transport.Rank
	topics := mqtt.NewTopicBuilder(r.cfg.Run.ID)

	mqttCfg := r.cfg.MQTT
	mqttCfg.ClientID = fmt.Sprintf("roundsync-%s-%d", r.cfg.Run.ID, rank)
	mqttCfg.WillTopic = topics.AliveTopic()
	ps, err := mqtt.NewPubSub(mqttCfg, r.logger)
	if err != nil {
		return orchestration.Result{}, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer func() {
		if err := ps.Disconnect(context.Background()); err != nil {
			r.logger.Warn("failed to disconnect from MQTT broker", slog.Any("error", err))
		}
	}()

	var sealer *crypto.Sealer
	if r.cfg.Transport.WorkloadKey != "" {
		key, err := crypto.ParseKey(r.cfg.Transport.WorkloadKey)
		if err != nil {
			return orchestration.Result{}, err
		}
		if sealer, err = crypto.NewSealer(key); err != nil {
			return orchestration.Result{}, err
		}
	}

	joinCtx, cancel := context.WithTimeout(ctx, r.cfg.Transport.JoinTimeout)
	defer cancel()
	g, err := groupmqtt.Join(joinCtx, groupmqtt.NewTransport(ps, topics, sealer, r.logger), rank, r.cfg.Run.Workers, r.logger)
	if err != nil {
		return orchestration.Result{}, fmt.Errorf("failed to join worker group: %w", err)
	}
	defer g.Close()

	var emitter orchestration.EventEmitter
	if rank == orchestration.CoordinatorRank {
		emitter = events.NewMQTTEventEmitter(ps, topics)
	}
	rc, err := r.newCoordinator(g, emitter)
	if err != nil {
		return orchestration.Result{}, err
	}

	stop := r.serveStatus(rc)
	defer stop()

	res, err := rc.Run(ctx)
	if err != nil {
		return res, err
	}

	return res, r.publishCheckpoint(ctx, res)
}

func (r *Runner) newCoordinator(g group.WorkerGroup, emitter orchestration.EventEmitter) (*orchestration.RoundCoordinator, error) {
	cfg := orchestration.Config{
		RunID:      r.cfg.Run.ID,
		Name:       r.cfg.Run.Name,
		Rounds:     r.cfg.Run.Rounds,
		Epochs:     r.cfg.Run.Epochs,
		Seed:       r.cfg.Run.Seed,
		Algorithm:  r.cfg.Run.Algorithm,
		Descriptor: r.cfg.Descriptor(),
	}

	var opts []orchestration.Option
	if g.Rank() == orchestration.CoordinatorRank {
		opts = append(opts, orchestration.WithRoundStore(r.rounds))
		if r.checkpoints != nil {
			opts = append(opts, orchestration.WithCheckpointStore(r.checkpoints))
		}
		if emitter != nil {
			opts = append(opts, orchestration.WithEventEmitter(emitter))
		}
	}

	return orchestration.NewRoundCoordinator(cfg, g, r.loader, r.trainer, model.Instantiator(r.cfg.Run.Seed), r.logger, opts...)
}

// serveStatus starts the status API when an address is configured and
// returns a function that shuts it down.
func (r *Runner) serveStatus(rc *orchestration.RoundCoordinator) func() {
	if r.cfg.HTTP.Addr == "" {
		return func() {}
	}

	svc := api.NewService(r.cfg.Run.ID, rc, r.rounds)
	srv := &http.Server{
		Addr:              r.cfg.HTTP.Addr,
		Handler:           api.MakeHandler(svc, r.cfg.Run.ID),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		r.logger.Info("status API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("status API failed", slog.Any("error", err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			r.logger.Warn("failed to stop status API", slog.Any("error", err))
		}
	}
}

// publishCheckpoint copies an OCI checkpoint to the configured registry.
func (r *Runner) publishCheckpoint(ctx context.Context, res orchestration.Result) error {
	oci, ok := r.checkpoints.(*checkpoint.OCIStore)
	if !ok || res.Checkpoint == "" || r.cfg.Checkpoint.Registry.Reference == "" {
		return nil
	}

	name := checkpoint.Name(res.Rank, res.Rounds)
	desc, err := oci.PushRemote(ctx, name, r.cfg.Checkpoint.Registry)
	if err != nil {
		return fmt.Errorf("failed to push checkpoint %s: %w", name, err)
	}
	r.logger.InfoContext(ctx, "checkpoint pushed",
		slog.String("reference", r.cfg.Checkpoint.Registry.Reference),
		slog.String("digest", desc.Digest.String()),
	)

	return nil
}

// NewLoader builds the shard loader for the configured dataset source.
func NewLoader(cfg roundsync.Config) (dataset.ShardLoader, error) {
	ds := cfg.Dataset

	switch ds.Source {
	case roundsync.SourceSynthetic:
		all := dataset.Synthetic(ds.TrainSize+ds.TestSize, ds.Classes, ds.Shape, cfg.Run.Seed)
		train := all.Slice(dataset.Interval{Begin: 0, End: ds.TrainSize})
		test := all.Slice(dataset.Interval{Begin: ds.TrainSize, End: all.Len()})

		return newMemoryLoader(train, test)
	case roundsync.SourceCIFAR10:
		train, test, err := dataset.LoadCIFAR10(ds.Dir)
		if err != nil {
			return nil, err
		}
		train, test = preprocess(train, test, ds.Normalize)

		return newMemoryLoader(train, test)
	case roundsync.SourceChunks:
		loader, err := dataset.NewChunkLoader(ds.Dir)
		if err != nil {
			return nil, err
		}

		return loader, nil
	default:
		return nil, fmt.Errorf("unknown dataset source %q", ds.Source)
	}
}

func newMemoryLoader(train, test dataset.Dataset) (dataset.ShardLoader, error) {
	loader, err := dataset.NewMemoryLoader(train, test)
	if err != nil {
		return nil, err
	}

	return loader, nil
}

// preprocess centers both sets on the training mean and optionally
// normalizes every example's contrast.
func preprocess(train, test dataset.Dataset, normalize bool) (dataset.Dataset, dataset.Dataset) {
	mean := dataset.Mean(train)
	train = dataset.SubtractMean(train, mean)
	test = dataset.SubtractMean(test, mean)
	if normalize {
		train = dataset.NormalizeContrast(train)
		test = dataset.NormalizeContrast(test)
	}

	return train, test
}

func newCheckpointStore(cfg roundsync.CheckpointConfig) (checkpoint.Store, error) {
	switch cfg.Kind {
	case roundsync.CheckpointFile:
		return checkpoint.NewFileStore(cfg.Dir)
	case roundsync.CheckpointOCI:
		return checkpoint.NewOCIStore(cfg.Dir)
	default:
		return nil, nil
	}
}
