package events

import (
	"context"
	"time"

	"github.com/absmach/roundsync/pkg/mqtt"
	"github.com/absmach/roundsync/pkg/orchestration"
	"github.com/absmach/roundsync/pkg/trainer"
)

const (
	EventRoundStarted   = "round.started"
	EventRoundCompleted = "round.completed"
	EventRunCompleted   = "run.completed"
	EventRunFailed      = "run.failed"
)

// Event is the JSON document published on the run's round events topic.
type Event struct {
	Type    string                     `json:"type"`
	RunID   string                     `json:"run_id"`
	Round   int                        `json:"round"`
	Time    time.Time                  `json:"time"`
	Record  *orchestration.RoundRecord `json:"record,omitempty"`
	Score   *trainer.Score             `json:"score,omitempty"`
	Timings []orchestration.Timing     `json:"timings,omitempty"`
	Rank    *int                       `json:"rank,omitempty"`
	Phase   string                     `json:"phase,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

type MQTTEventEmitter struct {
	pubsub mqtt.PubSub
	topics *mqtt.TopicBuilder
}

func NewMQTTEventEmitter(pubsub mqtt.PubSub, topics *mqtt.TopicBuilder) orchestration.EventEmitter {
	return &MQTTEventEmitter{
		pubsub: pubsub,
		topics: topics,
	}
}

func (e *MQTTEventEmitter) EmitRoundStarted(ctx context.Context, r orchestration.RoundRecord) error {
	return e.publish(ctx, Event{Type: EventRoundStarted, RunID: r.RunID, Round: r.Round, Record: &r})
}

func (e *MQTTEventEmitter) EmitRoundCompleted(ctx context.Context, r orchestration.RoundRecord) error {
	return e.publish(ctx, Event{Type: EventRoundCompleted, RunID: r.RunID, Round: r.Round, Record: &r})
}

func (e *MQTTEventEmitter) EmitRunCompleted(ctx context.Context, res orchestration.Result) error {
	return e.publish(ctx, Event{
		Type:    EventRunCompleted,
		RunID:   res.RunID,
		Round:   res.Rounds,
		Score:   res.Score,
		Timings: res.Timings,
	})
}

func (e *MQTTEventEmitter) EmitRunFailed(ctx context.Context, runID string, rerr *orchestration.RoundError) error {
	return e.publish(ctx, Event{
		Type:  EventRunFailed,
		RunID: runID,
		Round: rerr.Round,
		Rank:  &rerr.Rank,
		Phase: rerr.Phase.String(),
		Error: rerr.Err.Error(),
	})
}

func (e *MQTTEventEmitter) publish(ctx context.Context, ev Event) error {
	ev.Time = time.Now().UTC()

	return mqtt.PublishJSON(ctx, e.pubsub, e.topics.RoundEventsTopic(), ev)
}
