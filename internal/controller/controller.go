// Package controller ties the token provider and the graph client together for
// one UI concern at a time (conversations, messages, presence, photo, profile).
// All concern controllers share one state machine: Idle → Loading → Settled or
// Failed, re-entering Loading whenever the key input changes. Every fetch runs
// under a generation tag; late results from a superseded generation are
// discarded so they can never overwrite state belonging to the current key.
package controller

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// API is the slice of the remote client the controllers consume. graph.Client
// implements it.
type API interface {
	ListConversations(ctx context.Context, limit int) ([]model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
	SendMessage(ctx context.Context, conversationID string, contentType model.BodyContentType, content string) (model.Message, error)
	GetPresence(ctx context.Context, userID string) (model.PresenceRecord, error)
	GetProfilePhoto(ctx context.Context, userID string) (*model.Photo, error)
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
}

// ClientFactory builds a remote client bound to a token. Clients are cheap and
// single-token, so each fetch constructs a fresh one.
type ClientFactory func(model.Token) API

// Snapshot is the externally visible state of a controller. After an attempt
// completes exactly one of Loading, Err-present, data-settled holds.
type Snapshot[T any] struct {
	Data    T
	HasData bool
	Loading bool
	Sending bool
	Err     error
}

// FetchFunc performs the concern's read given a valid token and the current key.
type FetchFunc[K comparable, T any] func(ctx context.Context, tok model.Token, key K) (T, error)

// Controller is the generic fetch controller. Instantiate one per UI concern;
// no two controllers share mutable state.
type Controller[K comparable, T any] struct {
	tokens   *auth.Provider
	scopes   []string
	fetch    FetchFunc[K, T]
	logger   *zap.Logger
	onChange func(Snapshot[T])

	mu     sync.Mutex
	gen    uint64
	key    K
	hasKey bool
	snap   Snapshot[T]
}

// NewController wires a generic controller. onChange may be nil; when set it is
// called with a state copy after every transition, outside the internal lock.
func NewController[K comparable, T any](
	tokens *auth.Provider,
	scopes []string,
	fetch FetchFunc[K, T],
	logger *zap.Logger,
	onChange func(Snapshot[T]),
) *Controller[K, T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onChange == nil {
		onChange = func(Snapshot[T]) {}
	}
	return &Controller[K, T]{
		tokens:   tokens,
		scopes:   scopes,
		fetch:    fetch,
		logger:   logger,
		onChange: onChange,
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller[K, T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// SetKey switches the controller to a new key input and starts a fetch.
// Setting the same key again is a no-op; use Refresh for an explicit re-fetch.
func (c *Controller[K, T]) SetKey(ctx context.Context, key K) {
	c.mu.Lock()
	if c.hasKey && c.key == key {
		c.mu.Unlock()
		return
	}
	c.key = key
	c.hasKey = true
	c.gen++
	gen := c.gen
	c.snap.Loading = true
	c.snap.Err = nil
	snap := c.snap
	c.mu.Unlock()

	c.onChange(snap)
	go c.run(ctx, gen, key)
}

// ClearKey transitions to Idle: data and error cleared, no network call. Any
// in-flight fetch becomes stale and its result is dropped.
func (c *Controller[K, T]) ClearKey() {
	c.mu.Lock()
	var zeroK K
	var zeroT T
	c.key = zeroK
	c.hasKey = false
	c.gen++
	c.snap = Snapshot[T]{Data: zeroT}
	snap := c.snap
	c.mu.Unlock()
	c.onChange(snap)
}

// Refresh re-runs the fetch for the current key, superseding any in-flight one.
func (c *Controller[K, T]) Refresh(ctx context.Context) {
	c.mu.Lock()
	if !c.hasKey {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	key := c.key
	c.snap.Loading = true
	c.snap.Err = nil
	snap := c.snap
	c.mu.Unlock()

	c.onChange(snap)
	go c.run(ctx, gen, key)
}

// run acquires a token, performs the fetch, and commits the result if this
// generation is still current. A token rejected by the API triggers exactly one
// invalidate + re-acquire + retry cycle.
func (c *Controller[K, T]) run(ctx context.Context, gen uint64, key K) {
	tok, err := c.tokens.GetAccessToken(ctx, c.scopes)
	if err != nil {
		c.commitErr(gen, err)
		return
	}

	data, err := c.fetch(ctx, tok, key)
	if errors.Is(err, errs.ErrUnauthorized) {
		c.logger.Info("token rejected, re-acquiring once", zap.Strings("scopes", c.scopes))
		c.tokens.Invalidate(c.scopes)
		tok, err = c.tokens.GetAccessToken(ctx, c.scopes)
		if err == nil {
			data, err = c.fetch(ctx, tok, key)
		}
	}
	if err != nil {
		c.commitErr(gen, err)
		return
	}
	c.commitData(gen, data)
}

func (c *Controller[K, T]) commitData(gen uint64, data T) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding stale fetch result", zap.Uint64("gen", gen))
		return
	}
	c.snap.Data = data
	c.snap.HasData = true
	c.snap.Loading = false
	c.snap.Err = nil
	snap := c.snap
	c.mu.Unlock()
	c.onChange(snap)
}

// commitErr surfaces a failure but keeps last-known-good data visible.
func (c *Controller[K, T]) commitErr(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.logger.Debug("discarding stale fetch error", zap.Uint64("gen", gen), zap.Error(err))
		return
	}
	c.snap.Loading = false
	c.snap.Err = err
	snap := c.snap
	c.mu.Unlock()
	c.onChange(snap)
}
