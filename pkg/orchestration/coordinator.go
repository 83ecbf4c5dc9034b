package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/roundsync/pkg/checkpoint"
	"github.com/absmach/roundsync/pkg/dataset"
	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/fl"
	"github.com/absmach/roundsync/pkg/group"
	"github.com/absmach/roundsync/pkg/metrics"
	"github.com/absmach/roundsync/pkg/model"
	"github.com/absmach/roundsync/pkg/params"
	"github.com/absmach/roundsync/pkg/trainer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/roundsync/pkg/orchestration"

type Config struct {
	RunID      string
	Name       string
	Rounds     int
	Epochs     int
	Seed       int64
	Algorithm  string
	Descriptor model.Descriptor
}

func (c Config) Validate() error {
	if c.Rounds < 1 {
		return fmt.Errorf("%w: at least one round is required, got %d", pkgerrors.ErrConfiguration, c.Rounds)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("%w: at least one epoch per round is required, got %d", pkgerrors.ErrConfiguration, c.Epochs)
	}
	if _, err := fl.NewAggregator(c.Algorithm, nil); err != nil {
		return err
	}

	return nil
}

// RoundCoordinator runs the synchronous training protocol on one rank. Every
// rank of the group runs its own coordinator; rank 0 distributes the model,
// aggregates and evaluates, and also trains a shard like every other rank.
type RoundCoordinator struct {
	cfg         Config
	group       group.WorkerGroup
	loader      dataset.ShardLoader
	trainer     LocalTrainer
	instantiate model.InstantiateFunc
	evaluate    EvaluateFunc
	store       RoundStore
	events      EventEmitter
	checkpoints checkpoint.Store
	tracer      trace.Tracer
	logger      *slog.Logger
	sm          *StateMachine

	mu    sync.RWMutex
	score *trainer.Score
	err   *RoundError
}

type Option func(*RoundCoordinator)

func WithRoundStore(s RoundStore) Option {
	return func(c *RoundCoordinator) { c.store = s }
}

func WithEventEmitter(e EventEmitter) Option {
	return func(c *RoundCoordinator) { c.events = e }
}

func WithCheckpointStore(s checkpoint.Store) Option {
	return func(c *RoundCoordinator) { c.checkpoints = s }
}

func WithEvaluator(f EvaluateFunc) Option {
	return func(c *RoundCoordinator) { c.evaluate = f }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *RoundCoordinator) { c.tracer = tp.Tracer(tracerName) }
}

func NewRoundCoordinator(cfg Config, wg group.WorkerGroup, loader dataset.ShardLoader, tr LocalTrainer, instantiate model.InstantiateFunc, logger *slog.Logger, opts ...Option) (*RoundCoordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &RoundCoordinator{
		cfg:         cfg,
		group:       wg,
		loader:      loader,
		trainer:     tr,
		instantiate: instantiate,
		evaluate:    trainer.Evaluate,
		events:      nopEmitter{},
		tracer:      otel.Tracer(tracerName),
		logger:      logger.With(slog.Int("rank", wg.Rank())),
		sm:          NewStateMachine(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Run executes the whole protocol and returns once this rank is done. Any
// failure on any rank aborts every rank with a *RoundError.
func (c *RoundCoordinator) Run(ctx context.Context) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "roundsync.run", trace.WithAttributes(
		attribute.String("run_id", c.cfg.RunID),
		attribute.Int("rank", c.group.Rank()),
		attribute.Int("size", c.group.Size()),
	))
	defer span.End()

	res, err := c.run(ctx)
	if err == nil {
		return res, nil
	}

	var rerr *RoundError
	if !errors.As(err, &rerr) {
		phase, round := c.sm.Current()
		rerr = &RoundError{Round: round, Rank: c.group.Rank(), Phase: phase, Err: err}
	}
	c.sm.Fail()
	c.mu.Lock()
	c.err = rerr
	c.mu.Unlock()

	span.RecordError(rerr)
	span.SetStatus(codes.Error, rerr.Error())
	c.logger.ErrorContext(ctx, "run failed", slog.Int("round", rerr.Round), slog.Int("failed_rank", rerr.Rank), slog.String("phase", rerr.Phase.String()), slog.Any("error", rerr.Err))
	if c.isCoordinator() {
		metrics.RoundTotal.WithLabelValues(c.cfg.RunID, string(RoundStatusFailed)).Inc()
		if err := c.events.EmitRunFailed(ctx, c.cfg.RunID, rerr); err != nil {
			c.logger.WarnContext(ctx, "failed to emit run failure", slog.Any("error", err))
		}
	}

	return res, rerr
}

func (c *RoundCoordinator) run(ctx context.Context) (Result, error) {
	rank, size := c.group.Rank(), c.group.Size()
	res := Result{
		RunID:  c.cfg.RunID,
		Rank:   rank,
		Size:   size,
		Rounds: c.cfg.Rounds,
	}

	start := time.Now()
	m, shard, err := c.distribute(ctx)
	if err != nil {
		return res, err
	}
	res.Timings = append(res.Timings, Timing{Note: "Preparation time", Seconds: time.Since(start).Seconds()})
	c.logger.InfoContext(ctx, "model distributed", slog.Int("shard_size", shard.Len()), slog.String("model", m.Describe().Name))

	start = time.Now()
	var consensus params.Set
	if c.isCoordinator() {
		consensus = m.Snapshot()
	}
	for round := 0; round < c.cfg.Rounds; round++ {
		if consensus, err = c.runRound(ctx, round, m, shard, consensus); err != nil {
			return res, err
		}
	}
	res.Timings = append(res.Timings, Timing{Note: "Training time", Seconds: time.Since(start).Seconds()})

	if !c.isCoordinator() {
		final, err := c.receiveDirective(ctx, c.cfg.Rounds)
		if err != nil {
			return res, err
		}
		res.Score = final.Score
		c.setScore(final.Score)
		if _, err := c.sm.Transition(Done, c.cfg.Rounds); err != nil {
			return res, err
		}

		return res, c.finish(ctx)
	}

	start = time.Now()
	score, location, err := c.evaluateConsensus(ctx, m, consensus)
	if err != nil {
		c.abort(ctx, c.cfg.Rounds, newFailure(c.cfg.Rounds, rank, Evaluating, err))
		return res, c.fail(c.cfg.Rounds, Evaluating, err)
	}
	res.Timings = append(res.Timings, Timing{Note: "Evaluation time", Seconds: time.Since(start).Seconds()})
	res.Score = &score
	res.Consensus = consensus
	res.Checkpoint = location
	c.setScore(&score)

	payload, err := encode(directive{Round: c.cfg.Rounds, Final: true, Score: &score})
	if err != nil {
		return res, c.fail(c.cfg.Rounds, Evaluating, err)
	}
	if _, err := c.group.Broadcast(ctx, CoordinatorRank, directiveTag(c.cfg.Rounds), payload); err != nil {
		return res, c.fail(c.cfg.Rounds, Evaluating, err)
	}
	if _, err := c.sm.Transition(Done, c.cfg.Rounds); err != nil {
		return res, err
	}

	if err := c.events.EmitRunCompleted(ctx, res); err != nil {
		c.logger.WarnContext(ctx, "failed to emit run completion", slog.Any("error", err))
	}
	for _, t := range res.Timings {
		c.logger.InfoContext(ctx, t.Note, slog.Float64("seconds", t.Seconds))
	}

	return res, c.finish(ctx)
}

// distribute covers Init and Distributing. The coordinator builds the model
// and sends its descriptor to every participant; every rank loads its shard
// and acknowledges to the coordinator.
func (c *RoundCoordinator) distribute(ctx context.Context) (model.Model, dataset.Dataset, error) {
	rank, size := c.group.Rank(), c.group.Size()

	var m model.Model
	var localErr error
	if c.isCoordinator() {
		var err error
		if m, err = c.instantiate(c.cfg.Descriptor); err != nil {
			c.sendAssignments(ctx, assignment{Failure: newFailure(-1, rank, Init, err)})
			return nil, dataset.Dataset{}, c.fail(-1, Init, err)
		}
		desc, err := m.Describe().Marshal()
		if err != nil {
			return nil, dataset.Dataset{}, c.fail(-1, Init, err)
		}
		if err := c.transition(ctx, Distributing, -1); err != nil {
			return nil, dataset.Dataset{}, err
		}
		if err := c.sendAssignments(ctx, assignment{Descriptor: desc}); err != nil {
			return nil, dataset.Dataset{}, c.fail(-1, Distributing, err)
		}
	} else {
		if err := c.transition(ctx, Distributing, -1); err != nil {
			return nil, dataset.Dataset{}, err
		}
		var a assignment
		data, err := c.group.Recv(ctx, CoordinatorRank, tagAssignment)
		if err == nil {
			err = decode(data, &a)
		}
		switch {
		case err != nil:
			localErr = err
		case a.Failure != nil:
			return nil, dataset.Dataset{}, remoteError(a.Failure)
		default:
			m, localErr = c.buildFromDescriptor(a.Descriptor)
		}
	}

	var shard dataset.Dataset
	if localErr == nil {
		shard, localErr = c.loader.ShardFor(rank, size)
	}

	reply := ack{Rank: rank, NumSamples: shard.Len()}
	if localErr != nil {
		reply.Failure = newFailure(-1, rank, Distributing, localErr)
	}
	payload, err := encode(reply)
	if err != nil {
		return nil, dataset.Dataset{}, c.fail(-1, Distributing, err)
	}
	acks, err := c.group.Gather(ctx, CoordinatorRank, tagAck, payload)
	if err != nil {
		return nil, dataset.Dataset{}, c.fail(-1, Distributing, err)
	}
	if localErr != nil && !c.isCoordinator() {
		return nil, dataset.Dataset{}, c.fail(-1, Distributing, localErr)
	}

	if c.isCoordinator() {
		for i, data := range acks {
			var a ack
			if err := decode(data, &a); err != nil {
				localErr = fmt.Errorf("ack of rank %d: %w", i, err)
				reply.Failure = newFailure(-1, rank, Distributing, localErr)
				break
			}
			if a.Failure != nil {
				reply.Failure = a.Failure
				break
			}
		}
		if reply.Failure != nil {
			c.abort(ctx, 0, reply.Failure)
			if reply.Failure.Rank == rank {
				return nil, dataset.Dataset{}, c.fail(-1, Distributing, localErr)
			}
			return nil, dataset.Dataset{}, remoteError(reply.Failure)
		}
	}

	return m, shard, nil
}

func (c *RoundCoordinator) buildFromDescriptor(data []byte) (model.Model, error) {
	d, err := model.UnmarshalDescriptor(data)
	if err != nil {
		return nil, err
	}

	return c.instantiate(d)
}

func (c *RoundCoordinator) sendAssignments(ctx context.Context, a assignment) error {
	payload, err := encode(a)
	if err != nil {
		return err
	}
	for to := 0; to < c.group.Size(); to++ {
		if to == CoordinatorRank {
			continue
		}
		if err := c.group.Send(ctx, to, tagAssignment, payload); err != nil {
			return err
		}
	}

	return nil
}

// runRound executes Broadcasting, Training, Gathering and, on the
// coordinator, Aggregating. It returns the next consensus on the coordinator.
func (c *RoundCoordinator) runRound(ctx context.Context, round int, m model.Model, shard dataset.Dataset, consensus params.Set) (params.Set, error) {
	ctx, span := c.tracer.Start(ctx, "roundsync.round", trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()
	rank := c.group.Rank()
	metrics.CurrentRound.WithLabelValues(c.cfg.RunID, strconv.Itoa(rank)).Set(float64(round))

	record := RoundRecord{RunID: c.cfg.RunID, Round: round, Status: RoundStatusRunning, StartTime: time.Now()}
	if c.isCoordinator() {
		c.saveRound(ctx, record)
		if err := c.events.EmitRoundStarted(ctx, record); err != nil {
			c.logger.WarnContext(ctx, "failed to emit round start", slog.Int("round", round), slog.Any("error", err))
		}
	}

	if err := c.transition(ctx, Broadcasting, round); err != nil {
		return nil, err
	}
	var payload []byte
	if c.isCoordinator() {
		var err error
		if payload, err = encode(directive{Round: round, Params: consensus}); err != nil {
			return nil, c.fail(round, Broadcasting, err)
		}
	}
	data, err := c.group.Broadcast(ctx, CoordinatorRank, directiveTag(round), payload)
	if err != nil {
		return nil, c.fail(round, Broadcasting, err)
	}
	metrics.PayloadBytes.WithLabelValues(c.cfg.RunID, strconv.Itoa(rank), "broadcast").Add(float64(len(data)))

	var d directive
	localErr := decode(data, &d)
	if localErr == nil && d.Failure != nil {
		return nil, remoteError(d.Failure)
	}
	localPhase := Broadcasting
	contribution := fl.Contribution{Round: round, Rank: rank, NumSamples: shard.Len()}
	if localErr == nil {
		localPhase, localErr = c.train(ctx, round, m, shard, d, &contribution)
	}

	// A rank that failed locally still enters the gather and reports there.
	if localErr != nil {
		contribution.Params = nil
		contribution.Failure = newFailure(round, rank, localPhase, localErr)
	} else if err := c.transition(ctx, Gathering, round); err != nil {
		return nil, err
	}
	payload, err = fl.EncodeContribution(contribution)
	if err != nil {
		return nil, c.fail(round, Gathering, err)
	}
	metrics.PayloadBytes.WithLabelValues(c.cfg.RunID, strconv.Itoa(rank), "gather").Add(float64(len(payload)))
	gathered, err := c.group.Gather(ctx, CoordinatorRank, contributionTag(round), payload)
	if err != nil {
		return nil, c.fail(round, Gathering, err)
	}

	if !c.isCoordinator() {
		if localErr != nil {
			return nil, c.fail(round, localPhase, localErr)
		}

		return nil, nil
	}

	if localErr != nil {
		c.abort(ctx, round+1, contribution.Failure)
		c.finishRound(ctx, record, nil, 0, localErr)
		return nil, c.fail(round, localPhase, localErr)
	}

	if err := c.transition(ctx, Aggregating, round); err != nil {
		return nil, err
	}
	next, contribs, failure, err := c.aggregate(round, gathered)
	switch {
	case failure != nil:
		rerr := remoteError(failure)
		c.abort(ctx, round+1, failure)
		c.finishRound(ctx, record, contribs, 0, rerr)
		return nil, rerr
	case err != nil:
		rerr := c.fail(round, Aggregating, err)
		c.abort(ctx, round+1, newFailure(round, rerr.Rank, Aggregating, rerr.Err))
		c.finishRound(ctx, record, contribs, 0, rerr)
		return nil, rerr
	}

	norm := next.Norm()
	metrics.ContributionsGathered.WithLabelValues(c.cfg.RunID).Add(float64(len(contribs)))
	metrics.ConsensusNorm.WithLabelValues(c.cfg.RunID).Set(norm)
	metrics.RoundTotal.WithLabelValues(c.cfg.RunID, string(RoundStatusCompleted)).Inc()
	c.finishRound(ctx, record, contribs, norm, nil)
	c.logger.InfoContext(ctx, "round aggregated", slog.Int("round", round), slog.Int("contributions", len(contribs)), slog.Float64("consensus_norm", norm))

	return next, nil
}

// train restores the broadcast consensus into m and runs local training,
// filling in contribution. It returns the phase any error belongs to.
func (c *RoundCoordinator) train(ctx context.Context, round int, m model.Model, shard dataset.Dataset, d directive, contribution *fl.Contribution) (Phase, error) {
	if d.Round != round {
		return Broadcasting, fmt.Errorf("%w: directive for round %d", ErrUnexpectedContribution, d.Round)
	}
	if err := m.Restore(d.Params); err != nil {
		return Broadcasting, err
	}

	if err := c.transition(ctx, Training, round); err != nil {
		return Broadcasting, err
	}
	start := time.Now()
	updated, err := c.trainer.Run(ctx, m, shard, c.cfg.Epochs, trainer.RoundSeed(c.cfg.Seed, round, c.group.Rank()))
	if err != nil {
		return Training, err
	}
	contribution.Params = updated
	contribution.TrainTime = time.Since(start).Seconds()
	c.logger.DebugContext(ctx, "local training finished", slog.Int("round", round), slog.Float64("seconds", contribution.TrainTime))

	return Training, nil
}

// aggregate decodes every gathered contribution and averages them. It fails
// unless exactly one valid contribution per rank is present. A failure
// reported by a rank is returned as is.
func (c *RoundCoordinator) aggregate(round int, gathered [][]byte) (params.Set, []ContributionSummary, *fl.Failure, error) {
	if len(gathered) != c.group.Size() {
		return nil, nil, nil, fmt.Errorf("%w: %d of %d", ErrCardinality, len(gathered), c.group.Size())
	}

	contribs := make([]fl.Contribution, 0, len(gathered))
	summaries := make([]ContributionSummary, 0, len(gathered))
	for i, data := range gathered {
		contrib, err := fl.DecodeContribution(data)
		if err != nil {
			return nil, summaries, nil, &RoundError{Round: round, Rank: i, Phase: Aggregating, Err: err}
		}
		if contrib.Failure != nil {
			return nil, summaries, contrib.Failure, nil
		}
		if contrib.Round != round || contrib.Rank != i {
			return nil, summaries, nil, fmt.Errorf("%w: got round %d rank %d at position %d", ErrUnexpectedContribution, contrib.Round, contrib.Rank, i)
		}
		contribs = append(contribs, contrib)
		summaries = append(summaries, ContributionSummary{
			Rank:       contrib.Rank,
			NumSamples: contrib.NumSamples,
			TrainTime:  contrib.TrainTime,
			Norm:       contrib.Params.Norm(),
		})
	}

	agg, err := fl.NewAggregator(c.cfg.Algorithm, contribs)
	if err != nil {
		return nil, summaries, nil, err
	}
	sets := make([]params.Set, len(contribs))
	for i := range contribs {
		sets[i] = contribs[i].Params
	}
	next, err := agg.Average(sets)
	if err != nil {
		var serr *fl.SetError
		if errors.As(err, &serr) {
			return nil, summaries, nil, &RoundError{Round: round, Rank: contribs[serr.Index].Rank, Phase: Aggregating, Err: serr.Err}
		}
		return nil, summaries, nil, err
	}

	return next, summaries, nil, nil
}

func (c *RoundCoordinator) evaluateConsensus(ctx context.Context, m model.Model, consensus params.Set) (trainer.Score, string, error) {
	if err := c.transition(ctx, Evaluating, c.cfg.Rounds); err != nil {
		return trainer.Score{}, "", err
	}
	if err := m.Restore(consensus); err != nil {
		return trainer.Score{}, "", err
	}
	test, err := c.loader.TestSet()
	if err != nil {
		return trainer.Score{}, "", err
	}
	score, err := c.evaluate(ctx, m, test)
	if err != nil {
		return trainer.Score{}, "", err
	}
	metrics.EvaluationScore.WithLabelValues(c.cfg.RunID, "loss").Set(score.Loss)
	metrics.EvaluationScore.WithLabelValues(c.cfg.RunID, "accuracy").Set(score.Accuracy)
	c.logger.InfoContext(ctx, "consensus evaluated", slog.Float64("loss", score.Loss), slog.Float64("accuracy", score.Accuracy))

	var location string
	if c.checkpoints != nil {
		name := checkpoint.Name(c.group.Rank(), c.cfg.Rounds)
		if location, err = c.checkpoints.Save(ctx, name, m.Describe(), consensus); err != nil {
			return trainer.Score{}, "", err
		}
		c.logger.InfoContext(ctx, "checkpoint saved", slog.String("name", name), slog.String("location", location))
	}

	return score, location, nil
}

func (c *RoundCoordinator) receiveDirective(ctx context.Context, round int) (directive, error) {
	data, err := c.group.Broadcast(ctx, CoordinatorRank, directiveTag(round), nil)
	if err != nil {
		return directive{}, c.fail(round, Gathering, err)
	}
	var d directive
	if err := decode(data, &d); err != nil {
		return directive{}, c.fail(round, Gathering, err)
	}
	if d.Failure != nil {
		return directive{}, remoteError(d.Failure)
	}
	if !d.Final {
		return directive{}, c.fail(round, Gathering, fmt.Errorf("%w: expected the final directive", ErrUnexpectedContribution))
	}

	return d, nil
}

// abort tells every participant waiting for directive round that the run failed.
func (c *RoundCoordinator) abort(ctx context.Context, round int, f *fl.Failure) {
	payload, err := encode(directive{Round: round, Failure: f})
	if err == nil {
		_, err = c.group.Broadcast(ctx, CoordinatorRank, directiveTag(round), payload)
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to notify participants of abort", slog.Int("round", round), slog.Any("error", err))
	}
}

// finish is the final barrier; no rank returns before all have the result.
func (c *RoundCoordinator) finish(ctx context.Context) error {
	if err := c.group.Barrier(ctx, tagFinished); err != nil {
		return c.fail(c.cfg.Rounds, Done, err)
	}

	return nil
}

func (c *RoundCoordinator) transition(ctx context.Context, to Phase, round int) error {
	from, _ := c.sm.Current()
	elapsed, err := c.sm.Transition(to, round)
	if err != nil {
		return c.fail(round, from, err)
	}
	metrics.PhaseDuration.WithLabelValues(c.cfg.RunID, strconv.Itoa(c.group.Rank()), from.String()).Observe(elapsed.Seconds())
	c.logger.DebugContext(ctx, "phase changed", slog.Int("round", round), slog.String("from", from.String()), slog.String("to", to.String()))

	return nil
}

func (c *RoundCoordinator) saveRound(ctx context.Context, r RoundRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRound(ctx, r); err != nil {
		c.logger.WarnContext(ctx, "failed to save round", slog.Int("round", r.Round), slog.Any("error", err))
	}
}

func (c *RoundCoordinator) finishRound(ctx context.Context, r RoundRecord, contribs []ContributionSummary, norm float64, err error) {
	now := time.Now()
	r.EndTime = &now
	r.Contributions = contribs
	r.ConsensusNorm = norm
	r.Status = RoundStatusCompleted
	if err != nil {
		r.Status = RoundStatusFailed
		r.Error = err.Error()
	}
	c.saveRound(ctx, r)

	if err == nil {
		if err := c.events.EmitRoundCompleted(ctx, r); err != nil {
			c.logger.WarnContext(ctx, "failed to emit round completion", slog.Int("round", r.Round), slog.Any("error", err))
		}
	}
}

func (c *RoundCoordinator) fail(round int, phase Phase, err error) *RoundError {
	var rerr *RoundError
	if errors.As(err, &rerr) {
		return rerr
	}

	return &RoundError{Round: round, Rank: c.group.Rank(), Phase: phase, Err: err}
}

func (c *RoundCoordinator) setScore(s *trainer.Score) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.score = s
}

func (c *RoundCoordinator) isCoordinator() bool {
	return c.group.Rank() == CoordinatorRank
}

// Status reports the current phase and round of this rank.
func (c *RoundCoordinator) Status() Status {
	phase, round := c.sm.Current()
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		RunID:  c.cfg.RunID,
		Name:   c.cfg.Name,
		Rank:   c.group.Rank(),
		Size:   c.group.Size(),
		Phase:  phase,
		Round:  round,
		Rounds: c.cfg.Rounds,
		Score:  c.score,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}

	return s
}

// remoteError rebuilds the error another rank reported.
func remoteError(f *fl.Failure) *RoundError {
	return &RoundError{
		Round: f.Round,
		Rank:  f.Rank,
		Phase: ParsePhase(f.Phase),
		Err:   fmt.Errorf("%w: %s", pkgerrors.ErrRemoteFailure, f.Message),
	}
}
