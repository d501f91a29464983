package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/model"
)

// NewConversations builds the chat-list controller. Its key input is the
// signed-in account id: set it after sign-in, clear it on sign-out and the
// controller goes inert.
func NewConversations(
	tokens *auth.Provider,
	clients ClientFactory,
	scopes []string,
	limit int,
	logger *zap.Logger,
	onChange func(Snapshot[[]model.Conversation]),
) *Controller[string, []model.Conversation] {
	fetch := func(ctx context.Context, tok model.Token, _ string) ([]model.Conversation, error) {
		return clients(tok).ListConversations(ctx, limit)
	}
	return NewController(tokens, scopes, fetch, logger, onChange)
}
