package group

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

var errTransportClosed = errors.New("transport closed")

// LocalCluster connects size in-process ranks through their mailboxes.
type LocalCluster struct {
	boxes []*Mailbox
}

// NewLocalCluster returns one Group per rank, all wired to each other.
func NewLocalCluster(size int) ([]*Group, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: group size must be positive, got %d", pkgerrors.ErrConfiguration, size)
	}

	c := &LocalCluster{boxes: make([]*Mailbox, size)}
	for i := range c.boxes {
		c.boxes[i] = NewMailbox()
	}

	groups := make([]*Group, size)
	for rank := range groups {
		g, err := New(rank, size, &localTransport{cluster: c}, c.boxes[rank])
		if err != nil {
			return nil, err
		}
		groups[rank] = g
	}

	return groups, nil
}

type localTransport struct {
	cluster *LocalCluster
	closed  atomic.Bool
}

func (t *localTransport) Post(ctx context.Context, to int, msg Message) error {
	if t.closed.Load() {
		return errTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// payloads are copied so ranks never share buffers
	msg.Payload = slices.Clone(msg.Payload)
	t.cluster.boxes[to].Deliver(msg)

	return nil
}

func (t *localTransport) Close() error {
	t.closed.Store(true)

	return nil
}
