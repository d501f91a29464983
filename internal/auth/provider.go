// Package auth owns the delegated-token lifecycle: silent acquisition first,
// interactive fallback only for interaction-required failures, per-scope-set
// caching, and coalescing of concurrent acquisitions.
package auth

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// expirySkew is subtracted from token lifetimes so a token returned to a caller
// does not expire mid-request.
const expirySkew = 30 * time.Second

// Authenticator abstracts the identity provider: silent acquisition uses a cached
// session/refresh mechanism, interactive acquisition drives a user-facing flow.
// Silent failures that a user could resolve must wrap errs.ErrInteractionRequired;
// an aborted interactive flow must wrap errs.ErrUserCancelled.
type Authenticator interface {
	AcquireSilent(ctx context.Context, account model.Account, scopes []string) (model.Token, error)
	AcquireInteractive(ctx context.Context, account model.Account, scopes []string) (model.Token, error)
}

type acquisition struct {
	done  chan struct{}
	epoch uint64
	tok   model.Token
	err   error
}

// Provider is the token provider for a single-user session. It holds the active
// account, caches valid tokens per scope set, and guarantees that concurrent
// callers requesting the same scopes share one silent→interactive attempt, so a
// burst of fetches never opens multiple interactive flows.
type Provider struct {
	auth   Authenticator
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	epoch    uint64
	account  *model.Account
	tokens   map[string]model.Token
	inflight map[string]*acquisition
}

// NewProvider constructs a Provider around the given authenticator.
func NewProvider(auth Authenticator, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		auth:     auth,
		logger:   logger,
		now:      time.Now,
		tokens:   make(map[string]model.Token),
		inflight: make(map[string]*acquisition),
	}
}

// SetClock overrides the time source. Test use only.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetAccount records the signed-in principal. Switching to a different account
// starts a new session epoch: cached tokens are dropped and acquisitions started
// under the previous account can no longer commit their results.
func (p *Provider) SetAccount(acct model.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil || p.account.ID != acct.ID {
		p.bumpEpochLocked()
	}
	p.account = &acct
	p.logger.Info("account set", zap.String("account_id", acct.ID))
}

// ClearAccount signs the session out and drops all cached tokens. In-flight
// acquisitions become orphans of the old epoch; their tokens are never cached.
func (p *Provider) ClearAccount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account = nil
	p.bumpEpochLocked()
	p.logger.Info("account cleared")
}

// bumpEpochLocked invalidates everything tied to the previous principal.
// Caller holds mu.
func (p *Provider) bumpEpochLocked() {
	p.epoch++
	p.tokens = make(map[string]model.Token)
	p.inflight = make(map[string]*acquisition)
}

// Account returns the active account, if any.
func (p *Provider) Account() (model.Account, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		return model.Account{}, false
	}
	return *p.account, true
}

// Invalidate drops the cached token for the scope set. Callers use this before a
// re-acquire-and-retry cycle when the remote API rejected the token.
func (p *Provider) Invalidate(scopes []string) {
	key := scopeKey(scopes)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, key)
}

// GetAccessToken returns a token valid for the requested scopes at return time.
// Ordered fallback: cached token, silent acquisition, then interactive acquisition
// only when the silent failure is classified interaction-required. Other failure
// classes surface immediately. With no account present it fails with ErrNoAccount
// before touching the authenticator.
func (p *Provider) GetAccessToken(ctx context.Context, scopes []string) (model.Token, error) {
	key := scopeKey(scopes)

	p.mu.Lock()
	if p.account == nil {
		p.mu.Unlock()
		return model.Token{}, errs.ErrNoAccount
	}
	if tok, ok := p.tokens[key]; ok && tok.Valid(p.now().Add(expirySkew)) {
		p.mu.Unlock()
		return tok, nil
	}
	if in, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-in.done:
			return in.tok, in.err
		case <-ctx.Done():
			return model.Token{}, ctx.Err()
		}
	}
	in := &acquisition{done: make(chan struct{}), epoch: p.epoch}
	p.inflight[key] = in
	acct := *p.account
	p.mu.Unlock()

	in.tok, in.err = p.acquire(ctx, acct, scopes)

	p.mu.Lock()
	// A sign-out or account switch since this acquisition started makes the
	// token belong to the wrong principal; hand it to the original caller but
	// never cache it for the new session.
	if in.err == nil && in.epoch == p.epoch {
		p.tokens[key] = in.tok
	}
	if cur, ok := p.inflight[key]; ok && cur == in {
		delete(p.inflight, key)
	}
	p.mu.Unlock()
	close(in.done)

	return in.tok, in.err
}

func (p *Provider) acquire(ctx context.Context, acct model.Account, scopes []string) (model.Token, error) {
	tok, err := p.auth.AcquireSilent(ctx, acct, scopes)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, errs.ErrInteractionRequired) {
		p.logger.Error("silent acquisition failed", zap.Error(err), zap.Strings("scopes", scopes))
		return model.Token{}, err
	}

	p.logger.Info("silent acquisition needs interaction, falling back",
		zap.Strings("scopes", scopes))
	tok, err = p.auth.AcquireInteractive(ctx, acct, scopes)
	if err != nil {
		if errors.Is(err, errs.ErrUserCancelled) {
			p.logger.Info("interactive acquisition cancelled by user")
		} else {
			p.logger.Error("interactive acquisition failed", zap.Error(err))
		}
		return model.Token{}, err
	}
	return tok, nil
}

// scopeKey canonicalizes a scope set so that order does not matter.
func scopeKey(scopes []string) string {
	s := append([]string(nil), scopes...)
	sort.Strings(s)
	return strings.Join(s, " ")
}
