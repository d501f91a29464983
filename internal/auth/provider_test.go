package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

type fakeAuthenticator struct {
	silentTok model.Token
	silentErr error

	interactiveTok model.Token
	interactiveErr error

	// blockSilent makes AcquireSilent wait until released, to exercise coalescing.
	blockSilent chan struct{}

	silentCalls      int32
	interactiveCalls int32
}

var _ Authenticator = (*fakeAuthenticator)(nil)

func (f *fakeAuthenticator) AcquireSilent(context.Context, model.Account, []string) (model.Token, error) {
	atomic.AddInt32(&f.silentCalls, 1)
	if f.blockSilent != nil {
		<-f.blockSilent
	}
	return f.silentTok, f.silentErr
}

func (f *fakeAuthenticator) AcquireInteractive(context.Context, model.Account, []string) (model.Token, error) {
	atomic.AddInt32(&f.interactiveCalls, 1)
	return f.interactiveTok, f.interactiveErr
}

func tok(v string) model.Token {
	return model.Token{Value: v, ExpiresAt: time.Now().Add(time.Hour)}
}

func TestProvider_NoAccount(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{silentTok: tok("t")}
	p := NewProvider(fa, nil)

	_, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if !errors.Is(err, errs.ErrNoAccount) {
		t.Fatalf("want ErrNoAccount, got %v", err)
	}
	if fa.silentCalls != 0 || fa.interactiveCalls != 0 {
		t.Fatalf("no acquisition may be attempted without an account (silent=%d interactive=%d)",
			fa.silentCalls, fa.interactiveCalls)
	}
}

func TestProvider_SilentSuccess(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{silentTok: tok("silent")}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	got, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got.Value != "silent" {
		t.Fatalf("token=%q, want silent token", got.Value)
	}
	if fa.interactiveCalls != 0 {
		t.Fatalf("interactive flow must not run when silent succeeds")
	}
}

func TestProvider_InteractiveFallback(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{
		silentErr:      fmt.Errorf("session expired: %w", errs.ErrInteractionRequired),
		interactiveTok: tok("interactive"),
	}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	got, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if err != nil {
		t.Fatalf("GetAccessToken: %v", err)
	}
	if got.Value != "interactive" {
		t.Fatalf("token=%q, want the interactively-obtained token", got.Value)
	}
	if fa.interactiveCalls != 1 {
		t.Fatalf("interactiveCalls=%d, want exactly one popup-equivalent flow", fa.interactiveCalls)
	}
}

func TestProvider_OtherSilentErrorsNotRetried(t *testing.T) {
	t.Parallel()
	netErr := fmt.Errorf("dial tcp: %w", errs.ErrNetwork)
	fa := &fakeAuthenticator{silentErr: netErr}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	_, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("want surfaced network error, got %v", err)
	}
	if fa.interactiveCalls != 0 {
		t.Fatalf("non-interaction errors must not trigger the interactive flow")
	}
}

func TestProvider_UserCancelledSurfaces(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{
		silentErr:      fmt.Errorf("login required: %w", errs.ErrInteractionRequired),
		interactiveErr: fmt.Errorf("declined: %w", errs.ErrUserCancelled),
	}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	_, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if !errors.Is(err, errs.ErrUserCancelled) {
		t.Fatalf("want ErrUserCancelled, got %v", err)
	}
}

func TestProvider_CachesTokenPerScopeSet(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{silentTok: tok("t1")}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	ctx := context.Background()
	if _, err := p.GetAccessToken(ctx, []string{"Chat.Read", "User.Read"}); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Same set in a different order hits the cache.
	if _, err := p.GetAccessToken(ctx, []string{"User.Read", "Chat.Read"}); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if fa.silentCalls != 1 {
		t.Fatalf("silentCalls=%d, want 1 (cached token reused)", fa.silentCalls)
	}

	p.Invalidate([]string{"Chat.Read", "User.Read"})
	if _, err := p.GetAccessToken(ctx, []string{"Chat.Read", "User.Read"}); err != nil {
		t.Fatalf("post-invalidate acquire: %v", err)
	}
	if fa.silentCalls != 2 {
		t.Fatalf("silentCalls=%d, want 2 after Invalidate", fa.silentCalls)
	}
}

func TestProvider_ExpiredCacheEntryReacquired(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{silentTok: model.Token{Value: "short", ExpiresAt: time.Now().Add(time.Hour)}}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	base := time.Now()
	p.SetClock(func() time.Time { return base })
	if _, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Move past expiry; the cached token may not be returned.
	p.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	fa.silentTok = model.Token{Value: "fresh", ExpiresAt: base.Add(3 * time.Hour)}
	got, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if got.Value != "fresh" {
		t.Fatalf("token=%q, want fresh token past expiry", got.Value)
	}
}

func TestProvider_CoalescesConcurrentSameScopes(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{
		silentTok:   tok("shared"),
		blockSilent: make(chan struct{}),
	}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	const n = 4
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
			if err != nil {
				t.Errorf("GetAccessToken: %v", err)
			}
			tokens[i] = got.Value
		}(i)
	}
	// Let the goroutines pile up behind the single in-flight attempt.
	time.Sleep(20 * time.Millisecond)
	close(fa.blockSilent)
	wg.Wait()

	if got := atomic.LoadInt32(&fa.silentCalls); got != 1 {
		t.Fatalf("silentCalls=%d, want one coalesced attempt", got)
	}
	for i, v := range tokens {
		if v != "shared" {
			t.Fatalf("caller %d got %q, want the shared token", i, v)
		}
	}
}

func TestProvider_AccountSwitchMidAcquisitionNotCached(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{
		silentTok:   tok("token-for-alice"),
		blockSilent: make(chan struct{}),
	}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "alice"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	}()
	for atomic.LoadInt32(&fa.silentCalls) == 0 {
		time.Sleep(time.Millisecond)
	}

	// Sign out and sign in as someone else while alice's acquisition hangs.
	p.ClearAccount()
	p.SetAccount(model.Account{ID: "bob"})

	fa.silentTok = tok("token-for-bob")
	close(fa.blockSilent)
	<-done

	got, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if err != nil {
		t.Fatalf("GetAccessToken for bob: %v", err)
	}
	if got.Value != "token-for-bob" {
		t.Fatalf("bob was served %q, want a token acquired for bob", got.Value)
	}
	// The old acquisition's token must not have been cached into bob's session;
	// bob's call runs its own acquisition.
	if calls := atomic.LoadInt32(&fa.silentCalls); calls != 2 {
		t.Fatalf("silentCalls=%d, want 2 (alice's result discarded, bob re-acquires)", calls)
	}
}

func TestProvider_ClearAccountDropsTokens(t *testing.T) {
	t.Parallel()
	fa := &fakeAuthenticator{silentTok: tok("t")}
	p := NewProvider(fa, nil)
	p.SetAccount(model.Account{ID: "u1"})

	if _, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.ClearAccount()

	if _, ok := p.Account(); ok {
		t.Fatalf("account should be absent after ClearAccount")
	}
	_, err := p.GetAccessToken(context.Background(), []string{"Chat.Read"})
	if !errors.Is(err, errs.ErrNoAccount) {
		t.Fatalf("want ErrNoAccount after sign-out, got %v", err)
	}
}
