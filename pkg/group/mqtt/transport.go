// Package mqtt runs a worker group over an MQTT broker: every rank
// subscribes to its own topic and collectives publish point-to-point.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/roundsync/pkg/crypto"
	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"github.com/absmach/roundsync/pkg/group"
	rsmqtt "github.com/absmach/roundsync/pkg/mqtt"
)

const (
	kindJoin    = "join"
	kindWelcome = "welcome"
	joinTag     = "join"

	defaultJoinInterval = time.Second
)

var errDecodeMessage = errors.New("failed to decode group message")

// Transport publishes group messages to per-rank topics, optionally sealed.
type Transport struct {
	pubsub rsmqtt.PubSub
	topics *rsmqtt.TopicBuilder
	sealer *crypto.Sealer
	logger *slog.Logger
}

var _ group.Transport = (*Transport)(nil)

// NewTransport builds a transport. sealer may be nil for plaintext payloads.
func NewTransport(ps rsmqtt.PubSub, topics *rsmqtt.TopicBuilder, sealer *crypto.Sealer, logger *slog.Logger) *Transport {
	return &Transport{
		pubsub: ps,
		topics: topics,
		sealer: sealer,
		logger: logger,
	}
}

func (t *Transport) Post(ctx context.Context, to int, msg group.Message) error {
	if t.sealer != nil && len(msg.Payload) > 0 {
		sealed, err := t.sealer.Seal(msg.Payload, associatedData(msg))
		if err != nil {
			return err
		}
		msg.Payload = sealed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return t.pubsub.Publish(ctx, t.topics.RankTopic(to), data)
}

// Listen delivers every message addressed to rank into box.
func (t *Transport) Listen(ctx context.Context, rank int, box *group.Mailbox) error {
	return t.pubsub.Subscribe(ctx, t.topics.RankTopic(rank), func(topic string, payload []byte) error {
		msg, err := t.decode(payload)
		if err != nil {
			return fmt.Errorf("%s: %w", topic, err)
		}
		box.Deliver(msg)

		return nil
	})
}

func (t *Transport) Close() error {
	return t.pubsub.Disconnect(context.Background())
}

func (t *Transport) decode(payload []byte) (group.Message, error) {
	var msg group.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return group.Message{}, errors.Join(errDecodeMessage, err)
	}
	if msg.Kind == "" {
		return group.Message{}, fmt.Errorf("%w: missing kind", errDecodeMessage)
	}
	if t.sealer != nil && len(msg.Payload) > 0 {
		plain, err := t.sealer.Open(msg.Payload, associatedData(msg))
		if err != nil {
			return group.Message{}, errors.Join(errDecodeMessage, err)
		}
		msg.Payload = plain
	}

	return msg, nil
}

func associatedData(msg group.Message) []byte {
	return fmt.Appendf(nil, "%d/%s/%s", msg.From, msg.Kind, msg.Tag)
}

// Join subscribes rank to its topic and blocks until every rank of the group
// is subscribed, so no collective message is published into the void.
func Join(ctx context.Context, t *Transport, rank, size int, logger *slog.Logger) (*group.Group, error) {
	box := group.NewMailbox()
	g, err := group.New(rank, size, t, box)
	if err != nil {
		return nil, err
	}
	if err := t.Listen(ctx, rank, box); err != nil {
		return nil, fmt.Errorf("%w: subscribe rank %d: %w", pkgerrors.ErrCommunication, rank, err)
	}
	if err := handshake(ctx, t, box, rank, size, defaultJoinInterval); err != nil {
		return nil, err
	}
	logger.Info("joined worker group", slog.Int("rank", rank), slog.Int("size", size))

	return g, nil
}

// handshake: participants announce themselves to rank 0 until welcomed;
// rank 0 welcomes everyone once all have announced.
func handshake(ctx context.Context, t *Transport, box *group.Mailbox, rank, size int, interval time.Duration) error {
	if rank == 0 {
		for from := 1; from < size; from++ {
			if _, err := box.Take(ctx, kindJoin, joinTag, from); err != nil {
				return err
			}
		}
		for to := 1; to < size; to++ {
			if err := t.Post(ctx, to, group.Message{From: 0, Kind: kindWelcome, Tag: joinTag}); err != nil {
				return fmt.Errorf("%w: welcome rank %d: %w", pkgerrors.ErrCommunication, to, err)
			}
		}

		return nil
	}

	for {
		if err := t.Post(ctx, 0, group.Message{From: rank, Kind: kindJoin, Tag: joinTag}); err != nil {
			return fmt.Errorf("%w: announce rank %d: %w", pkgerrors.ErrCommunication, rank, err)
		}

		wctx, cancel := context.WithTimeout(ctx, interval)
		_, err := box.Take(wctx, kindWelcome, joinTag, 0)
		cancel()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !errors.Is(err, context.DeadlineExceeded):
			return err
		}
	}
}
