package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/cache"
	"github.com/and161185/chatview/internal/model"
)

// NewPresence builds a presence controller keyed by user id. Lookups go through
// the shared TTL cache, so repeated renders of the same peer within the TTL cost
// one network call, failures are cached negatively, and concurrent controllers
// asking for the same user coalesce into a single request.
func NewPresence(
	tokens *auth.Provider,
	clients ClientFactory,
	presences *cache.Cache[model.PresenceRecord],
	scopes []string,
	logger *zap.Logger,
	onChange func(Snapshot[model.PresenceRecord]),
) *Controller[string, model.PresenceRecord] {
	fetch := func(ctx context.Context, tok model.Token, userID string) (model.PresenceRecord, error) {
		return presences.Fetch(ctx, userID, func(ctx context.Context) (model.PresenceRecord, error) {
			return clients(tok).GetPresence(ctx, userID)
		})
	}
	return NewController(tokens, scopes, fetch, logger, onChange)
}

// NewPhoto builds a profile-photo controller keyed by user id. A user with no
// photo settles with nil data and no error; the nil result is cached like any
// value so missing photos do not cause re-fetch storms.
func NewPhoto(
	tokens *auth.Provider,
	clients ClientFactory,
	photos *cache.Cache[*model.Photo],
	scopes []string,
	logger *zap.Logger,
	onChange func(Snapshot[*model.Photo]),
) *Controller[string, *model.Photo] {
	fetch := func(ctx context.Context, tok model.Token, userID string) (*model.Photo, error) {
		return photos.Fetch(ctx, userID, func(ctx context.Context) (*model.Photo, error) {
			return clients(tok).GetProfilePhoto(ctx, userID)
		})
	}
	return NewController(tokens, scopes, fetch, logger, onChange)
}

// NewProfile builds a profile controller keyed by user id; "me" resolves to the
// current user.
func NewProfile(
	tokens *auth.Provider,
	clients ClientFactory,
	scopes []string,
	logger *zap.Logger,
	onChange func(Snapshot[model.Profile]),
) *Controller[string, model.Profile] {
	fetch := func(ctx context.Context, tok model.Token, userID string) (model.Profile, error) {
		return clients(tok).GetProfile(ctx, userID)
	}
	return NewController(tokens, scopes, fetch, logger, onChange)
}
