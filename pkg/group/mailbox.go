package group

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
)

var errMailboxClosed = errors.New("mailbox closed")

type mailKey struct {
	kind string
	tag  string
	from int
}

// Mailbox buffers incoming messages until a collective asks for them by
// (kind, tag, sender). Messages may arrive before they are wanted.
type Mailbox struct {
	mu      sync.Mutex
	pending map[mailKey][][]byte
	waiters map[mailKey]chan struct{}
	closed  bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		pending: make(map[mailKey][][]byte),
		waiters: make(map[mailKey]chan struct{}),
	}
}

// Deliver stores msg and wakes any collective waiting for it.
func (b *Mailbox) Deliver(msg Message) {
	k := mailKey{kind: msg.Kind, tag: msg.Tag, from: msg.From}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending[k] = append(b.pending[k], msg.Payload)
	if ch, ok := b.waiters[k]; ok {
		close(ch)
		delete(b.waiters, k)
	}
}

// Take blocks until a message matching kind, tag and from is available.
func (b *Mailbox) Take(ctx context.Context, kind, tag string, from int) ([]byte, error) {
	k := mailKey{kind: kind, tag: tag, from: from}
	for {
		b.mu.Lock()
		if q := b.pending[k]; len(q) > 0 {
			data := q[0]
			if len(q) == 1 {
				delete(b.pending, k)
			} else {
				b.pending[k] = q[1:]
			}
			b.mu.Unlock()

			return data, nil
		}
		if b.closed {
			b.mu.Unlock()

			return nil, fmt.Errorf("%w: waiting for %s %q from rank %d: %w", pkgerrors.ErrCommunication, kind, tag, from, errMailboxClosed)
		}
		ch, ok := b.waiters[k]
		if !ok {
			ch = make(chan struct{})
			b.waiters[k] = ch
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// Pending reports the number of buffered messages.
func (b *Mailbox) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, q := range b.pending {
		n += len(q)
	}

	return n
}

// Close wakes every waiter; subsequent Takes fail once the buffer is drained.
func (b *Mailbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for k, ch := range b.waiters {
		close(ch)
		delete(b.waiters, k)
	}
}
