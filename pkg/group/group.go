// Package group provides the collective operations a fixed set of ranked
// workers uses to synchronize: point-to-point send, broadcast, gather and
// barrier. Collectives are built on a point-to-point Transport, so the same
// Group runs in-process or across a message broker.
package group

import (
	"context"
	"fmt"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	KindDirect    = "direct"
	KindBroadcast = "broadcast"
	KindGather    = "gather"
	KindBarrier   = "barrier"
	KindRelease   = "release"

	barrierRoot = 0
)

// Message is the unit exchanged between ranks.
type Message struct {
	From    int    `json:"from"`
	Kind    string `json:"kind"`
	Tag     string `json:"tag"`
	Payload []byte `json:"payload,omitempty"`
}

// WorkerGroup is a fixed-size set of ranked workers. Every collective must
// be entered by all ranks with the same tag; tags must not be reused.
type WorkerGroup interface {
	Rank() int
	Size() int

	// Send delivers payload to one rank.
	Send(ctx context.Context, to int, tag string, payload []byte) error

	// Recv blocks until the payload sent by from under tag arrives.
	Recv(ctx context.Context, from int, tag string) ([]byte, error)

	// Broadcast returns root's payload on every rank. Non-root payloads are ignored.
	Broadcast(ctx context.Context, root int, tag string, payload []byte) ([]byte, error)

	// Gather collects every rank's payload at root, indexed by rank. It
	// returns nil on the other ranks.
	Gather(ctx context.Context, root int, tag string, payload []byte) ([][]byte, error)

	// Barrier returns once every rank has entered it.
	Barrier(ctx context.Context, tag string) error

	Close() error
}

// Transport posts messages to other ranks. Incoming messages are handed to
// the receiving rank's Mailbox.
type Transport interface {
	Post(ctx context.Context, to int, msg Message) error
	Close() error
}

// Group implements WorkerGroup over a Transport and a Mailbox.
type Group struct {
	rank      int
	size      int
	transport Transport
	mailbox   *Mailbox
}

var _ WorkerGroup = (*Group)(nil)

func New(rank, size int, transport Transport, mailbox *Mailbox) (*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size must be positive, got %d", pkgerrors.ErrConfiguration, size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("%w: rank %d out of range [0, %d)", pkgerrors.ErrConfiguration, rank, size)
	}

	return &Group{
		rank:      rank,
		size:      size,
		transport: transport,
		mailbox:   mailbox,
	}, nil
}

func (g *Group) Rank() int {
	return g.rank
}

func (g *Group) Size() int {
	return g.size
}

func (g *Group) Send(ctx context.Context, to int, tag string, payload []byte) error {
	if err := g.checkRank(to); err != nil {
		return err
	}

	return g.post(ctx, to, KindDirect, tag, payload)
}

func (g *Group) Recv(ctx context.Context, from int, tag string) ([]byte, error) {
	if err := g.checkRank(from); err != nil {
		return nil, err
	}

	return g.mailbox.Take(ctx, KindDirect, tag, from)
}

func (g *Group) Broadcast(ctx context.Context, root int, tag string, payload []byte) ([]byte, error) {
	if err := g.checkRank(root); err != nil {
		return nil, err
	}
	if g.rank != root {
		return g.mailbox.Take(ctx, KindBroadcast, tag, root)
	}

	for to := 0; to < g.size; to++ {
		if to == root {
			continue
		}
		if err := g.post(ctx, to, KindBroadcast, tag, payload); err != nil {
			return nil, err
		}
	}

	return payload, nil
}

func (g *Group) Gather(ctx context.Context, root int, tag string, payload []byte) ([][]byte, error) {
	if err := g.checkRank(root); err != nil {
		return nil, err
	}
	if g.rank != root {
		return nil, g.post(ctx, root, KindGather, tag, payload)
	}

	out := make([][]byte, g.size)
	out[root] = payload

	eg, ctx := errgroup.WithContext(ctx)
	for from := 0; from < g.size; from++ {
		if from == root {
			continue
		}
		eg.Go(func() error {
			data, err := g.mailbox.Take(ctx, KindGather, tag, from)
			if err != nil {
				return err
			}
			out[from] = data

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// Barrier is a gather to rank 0 followed by a release broadcast.
func (g *Group) Barrier(ctx context.Context, tag string) error {
	if g.rank != barrierRoot {
		if err := g.post(ctx, barrierRoot, KindBarrier, tag, nil); err != nil {
			return err
		}
		_, err := g.mailbox.Take(ctx, KindRelease, tag, barrierRoot)

		return err
	}

	for from := 0; from < g.size; from++ {
		if from == barrierRoot {
			continue
		}
		if _, err := g.mailbox.Take(ctx, KindBarrier, tag, from); err != nil {
			return err
		}
	}
	for to := 0; to < g.size; to++ {
		if to == barrierRoot {
			continue
		}
		if err := g.post(ctx, to, KindRelease, tag, nil); err != nil {
			return err
		}
	}

	return nil
}

func (g *Group) Close() error {
	g.mailbox.Close()

	return g.transport.Close()
}

func (g *Group) post(ctx context.Context, to int, kind, tag string, payload []byte) error {
	msg := Message{
		From:    g.rank,
		Kind:    kind,
		Tag:     tag,
		Payload: payload,
	}
	if err := g.transport.Post(ctx, to, msg); err != nil {
		return fmt.Errorf("%w: %s %q to rank %d: %w", pkgerrors.ErrCommunication, kind, tag, to, err)
	}

	return nil
}

func (g *Group) checkRank(r int) error {
	if r < 0 || r >= g.size {
		return fmt.Errorf("%w: rank %d out of range [0, %d)", pkgerrors.ErrConfiguration, r, g.size)
	}

	return nil
}
