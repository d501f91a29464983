package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// staticAuth hands out one token forever.
type staticAuth struct {
	silentCalls int32
}

var _ auth.Authenticator = (*staticAuth)(nil)

func (s *staticAuth) AcquireSilent(context.Context, model.Account, []string) (model.Token, error) {
	atomic.AddInt32(&s.silentCalls, 1)
	return model.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *staticAuth) AcquireInteractive(context.Context, model.Account, []string) (model.Token, error) {
	return model.Token{}, errors.New("interactive flow not expected in this test")
}

func newTestProvider() (*auth.Provider, *staticAuth) {
	sa := &staticAuth{}
	p := auth.NewProvider(sa, nil)
	p.SetAccount(model.Account{ID: "me"})
	return p, sa
}

// snapshots collects onChange notifications.
func snapshots[T any]() (chan Snapshot[T], func(Snapshot[T])) {
	ch := make(chan Snapshot[T], 32)
	return ch, func(s Snapshot[T]) { ch <- s }
}

// waitSettled reads snapshots until one is neither loading nor sending.
func waitSettled[T any](t *testing.T, ch chan Snapshot[T]) Snapshot[T] {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if !s.Loading && !s.Sending {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a settled snapshot")
		}
	}
}

func TestController_SettlesWithData(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	c := NewController(p, []string{"Chat.Read"},
		func(_ context.Context, tok model.Token, key string) (string, error) {
			return "data-for-" + key, nil
		}, nil, onChange)

	c.SetKey(context.Background(), "k1")
	s := waitSettled(t, ch)
	if !s.HasData || s.Data != "data-for-k1" || s.Err != nil {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestController_StaleResponseDiscarded(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	releaseA := make(chan struct{})
	aDone := make(chan struct{})
	c := NewController(p, []string{"Chat.Read"},
		func(_ context.Context, _ model.Token, key string) (string, error) {
			if key == "A" {
				<-releaseA
				defer close(aDone)
			}
			return "data-" + key, nil
		}, nil, onChange)

	ctx := context.Background()
	c.SetKey(ctx, "A") // slow response pending
	c.SetKey(ctx, "B") // fast response resolves first

	s := waitSettled(t, ch)
	if s.Data != "data-B" {
		t.Fatalf("want B's data displayed, got %q", s.Data)
	}

	// Now let A's stale response arrive; it must be dropped.
	close(releaseA)
	<-aDone
	time.Sleep(20 * time.Millisecond)
	if got := c.Snapshot().Data; got != "data-B" {
		t.Fatalf("stale response overwrote state: got %q, want data-B", got)
	}
}

func TestController_ClearKeyGoesIdle(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	var fetches int32
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			atomic.AddInt32(&fetches, 1)
			return "x", nil
		}, nil, onChange)

	c.SetKey(context.Background(), "k1")
	waitSettled(t, ch)

	c.ClearKey()
	s := c.Snapshot()
	if s.HasData || s.Loading || s.Err != nil {
		t.Fatalf("want idle state after ClearKey, got %+v", s)
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("ClearKey must not trigger a fetch, fetches=%d", got)
	}
}

func TestController_SameKeyIsNoOp(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	var fetches int32
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			atomic.AddInt32(&fetches, 1)
			return "x", nil
		}, nil, onChange)

	ctx := context.Background()
	c.SetKey(ctx, "k1")
	waitSettled(t, ch)
	c.SetKey(ctx, "k1")
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("same-key SetKey must not re-fetch, fetches=%d", got)
	}
}

func TestController_NoAccountFailsWithoutFetch(t *testing.T) {
	t.Parallel()
	sa := &staticAuth{}
	p := auth.NewProvider(sa, nil) // no account
	ch, onChange := snapshots[string]()

	var fetches int32
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			atomic.AddInt32(&fetches, 1)
			return "x", nil
		}, nil, onChange)

	c.SetKey(context.Background(), "k1")
	s := waitSettled(t, ch)
	if !errors.Is(s.Err, errs.ErrNoAccount) {
		t.Fatalf("want ErrNoAccount, got %v", s.Err)
	}
	if atomic.LoadInt32(&fetches) != 0 {
		t.Fatalf("no fetch may run without an account")
	}
}

func TestController_UnauthorizedRetriesExactlyOnce(t *testing.T) {
	t.Parallel()
	p, sa := newTestProvider()
	ch, onChange := snapshots[string]()

	var fetches int32
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			if atomic.AddInt32(&fetches, 1) == 1 {
				return "", fmt.Errorf("status 401: %w", errs.ErrUnauthorized)
			}
			return "recovered", nil
		}, nil, onChange)

	c.SetKey(context.Background(), "k1")
	s := waitSettled(t, ch)
	if s.Err != nil || s.Data != "recovered" {
		t.Fatalf("want recovery after one retry, got %+v", s)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("fetches=%d, want 2 (original + one retry)", got)
	}
	if got := atomic.LoadInt32(&sa.silentCalls); got != 2 {
		t.Fatalf("silentCalls=%d, want 2 (initial + re-acquire after invalidate)", got)
	}
}

func TestController_UnauthorizedNotRetriedTwice(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	var fetches int32
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			atomic.AddInt32(&fetches, 1)
			return "", fmt.Errorf("status 401: %w", errs.ErrUnauthorized)
		}, nil, onChange)

	c.SetKey(context.Background(), "k1")
	s := waitSettled(t, ch)
	if !errors.Is(s.Err, errs.ErrUnauthorized) {
		t.Fatalf("want surfaced ErrUnauthorized, got %v", s.Err)
	}
	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Fatalf("fetches=%d, want exactly 2 (one re-acquire-and-retry cycle)", got)
	}
}

func TestController_ErrorKeepsLastKnownGoodData(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider()
	ch, onChange := snapshots[string]()

	var fail atomic.Bool
	c := NewController(p, []string{"Chat.Read"},
		func(context.Context, model.Token, string) (string, error) {
			if fail.Load() {
				return "", fmt.Errorf("boom: %w", errs.ErrServer)
			}
			return "good", nil
		}, nil, onChange)

	ctx := context.Background()
	c.SetKey(ctx, "k1")
	waitSettled(t, ch)

	fail.Store(true)
	c.Refresh(ctx)
	s := waitSettled(t, ch)
	if !errors.Is(s.Err, errs.ErrServer) {
		t.Fatalf("want surfaced server error, got %v", s.Err)
	}
	if !s.HasData || s.Data != "good" {
		t.Fatalf("last-known-good data must stay visible on non-destructive errors, got %+v", s)
	}
}
