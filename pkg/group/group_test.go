package group

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	pkgerrors "github.com/absmach/roundsync/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func cluster(t *testing.T, size int) []*Group {
	t.Helper()
	groups, err := NewLocalCluster(size)
	if err != nil {
		t.Fatalf("NewLocalCluster: %v", err)
	}
	t.Cleanup(func() {
		for _, g := range groups {
			g.Close()
		}
	})

	return groups
}

func each(t *testing.T, groups []*Group, fn func(ctx context.Context, g *Group) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	for _, g := range groups {
		eg.Go(func() error { return fn(ctx, g) })
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestNewLocalClusterErrors(t *testing.T) {
	if _, err := NewLocalCluster(0); !errors.Is(err, pkgerrors.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
	if _, err := New(3, 3, nil, NewMailbox()); !errors.Is(err, pkgerrors.ErrConfiguration) {
		t.Fatalf("Expected ErrConfiguration, got %v", err)
	}
}

func TestSendRecv(t *testing.T) {
	groups := cluster(t, 3)

	each(t, groups, func(ctx context.Context, g *Group) error {
		if g.Rank() == 0 {
			for to := 1; to < g.Size(); to++ {
				if err := g.Send(ctx, to, "descriptor", []byte(fmt.Sprintf("hello %d", to))); err != nil {
					return err
				}
			}
			return nil
		}

		got, err := g.Recv(ctx, 0, "descriptor")
		if err != nil {
			return err
		}
		if want := fmt.Sprintf("hello %d", g.Rank()); string(got) != want {
			return fmt.Errorf("rank %d got %q, want %q", g.Rank(), got, want)
		}

		return nil
	})
}

func TestBroadcast(t *testing.T) {
	for _, size := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("size %d", size), func(t *testing.T) {
			groups := cluster(t, size)
			each(t, groups, func(ctx context.Context, g *Group) error {
				var payload []byte
				if g.Rank() == 0 {
					payload = []byte("consensus")
				}
				got, err := g.Broadcast(ctx, 0, "params/0", payload)
				if err != nil {
					return err
				}
				if string(got) != "consensus" {
					return fmt.Errorf("rank %d got %q", g.Rank(), got)
				}

				return nil
			})
		})
	}
}

func TestGatherWaitsForSlowestRank(t *testing.T) {
	groups := cluster(t, 4)

	each(t, groups, func(ctx context.Context, g *Group) error {
		if g.Rank() == 2 {
			time.Sleep(100 * time.Millisecond)
		}

		got, err := g.Gather(ctx, 0, "round/0", []byte{byte(10 + g.Rank())})
		if err != nil {
			return err
		}
		if g.Rank() != 0 {
			if got != nil {
				return fmt.Errorf("rank %d expected nil gather result", g.Rank())
			}
			return nil
		}

		if len(got) != 4 {
			return fmt.Errorf("gathered %d payloads, want 4", len(got))
		}
		for r, p := range got {
			if len(p) != 1 || p[0] != byte(10+r) {
				return fmt.Errorf("payload of rank %d is %v", r, p)
			}
		}

		return nil
	})
}

func TestBarrier(t *testing.T) {
	groups := cluster(t, 4)
	var entered atomic.Int32

	each(t, groups, func(ctx context.Context, g *Group) error {
		time.Sleep(time.Duration(g.Rank()*20) * time.Millisecond)
		entered.Add(1)
		if err := g.Barrier(ctx, "distributed"); err != nil {
			return err
		}
		if n := entered.Load(); n != 4 {
			return fmt.Errorf("rank %d left the barrier after only %d ranks entered", g.Rank(), n)
		}

		return nil
	})
}

func TestTagsKeepCollectivesApart(t *testing.T) {
	groups := cluster(t, 2)

	each(t, groups, func(ctx context.Context, g *Group) error {
		if g.Rank() == 1 {
			// round 1 arrives before round 0 is requested
			if _, err := g.Gather(ctx, 0, "round/1", []byte("second")); err != nil {
				return err
			}
			_, err := g.Gather(ctx, 0, "round/0", []byte("first"))
			return err
		}

		first, err := g.Gather(ctx, 0, "round/0", nil)
		if err != nil {
			return err
		}
		second, err := g.Gather(ctx, 0, "round/1", nil)
		if err != nil {
			return err
		}
		if string(first[1]) != "first" || string(second[1]) != "second" {
			return fmt.Errorf("messages crossed tags: %q %q", first[1], second[1])
		}

		return nil
	})
}

func TestRecvHonorsContext(t *testing.T) {
	groups := cluster(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := groups[1].Recv(ctx, 0, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestClosedGroup(t *testing.T) {
	groups := cluster(t, 2)
	groups[0].Close()

	if err := groups[0].Send(context.Background(), 1, "x", nil); !errors.Is(err, pkgerrors.ErrCommunication) {
		t.Errorf("Expected ErrCommunication from closed transport, got %v", err)
	}
	if _, err := groups[0].Recv(context.Background(), 1, "x"); !errors.Is(err, pkgerrors.ErrCommunication) {
		t.Errorf("Expected ErrCommunication from closed mailbox, got %v", err)
	}
	if err := groups[1].Send(context.Background(), 5, "x", nil); !errors.Is(err, pkgerrors.ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for unknown rank, got %v", err)
	}
}

func TestMailboxPending(t *testing.T) {
	b := NewMailbox()
	b.Deliver(Message{From: 1, Kind: KindGather, Tag: "a", Payload: []byte("1")})
	b.Deliver(Message{From: 1, Kind: KindGather, Tag: "a", Payload: []byte("2")})
	if b.Pending() != 2 {
		t.Fatalf("Expected 2 pending, got %d", b.Pending())
	}

	got, err := b.Take(context.Background(), KindGather, "a", 1)
	if err != nil || string(got) != "1" {
		t.Fatalf("Expected first payload, got %q %v", got, err)
	}
	if b.Pending() != 1 {
		t.Fatalf("Expected 1 pending, got %d", b.Pending())
	}
}
