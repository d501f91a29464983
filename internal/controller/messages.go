package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/chatview/internal/auth"
	"github.com/and161185/chatview/internal/bridge"
	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// MessagesController renders one conversation's thread and owns the send
// mutation. Its key input is the selected conversation id. On top of the
// generic controller it keeps a distinct Sending flag (so thread loading and
// send-in-progress do not visually conflict), optimistically appends the
// server's echo of a sent message, and mirrors the send through the local
// notification bridge.
type MessagesController struct {
	*Controller[string, []model.Message]

	clients  ClientFactory
	br       *bridge.Bridge
	unsub    func()
	pageSize int
}

// NewMessages wires the thread controller and subscribes it to the bridge.
// Call Close when done to drop the subscription.
func NewMessages(
	tokens *auth.Provider,
	clients ClientFactory,
	br *bridge.Bridge,
	scopes []string,
	pageSize int,
	logger *zap.Logger,
	onChange func(Snapshot[[]model.Message]),
) *MessagesController {
	m := &MessagesController{
		clients:  clients,
		br:       br,
		pageSize: pageSize,
	}
	m.Controller = NewController(tokens, scopes, m.fetchThread, logger, onChange)
	if br != nil {
		m.unsub = br.Subscribe(m.handleEvent)
	}
	return m
}

// Close unsubscribes from the bridge.
func (m *MessagesController) Close() {
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
}

// fetchThread loads the first page and reorders it chronologically: the remote
// returns newest-first, the UI displays oldest-first.
func (m *MessagesController) fetchThread(ctx context.Context, tok model.Token, conversationID string) ([]model.Message, error) {
	msgs, err := m.clients(tok).ListMessages(ctx, conversationID, m.pageSize)
	if err != nil {
		return nil, err
	}
	model.SortMessages(msgs)
	return msgs, nil
}

// Send posts content to the current conversation. Empty or whitespace-only
// content and an absent conversation fail validation before any network call.
// On success the echoed message is appended locally (optimistic echo, no
// re-fetch) and exactly one bridge event is published for the conversation.
// On failure prior data is left intact; the error annotates the state instead
// of rolling anything back.
func (m *MessagesController) Send(ctx context.Context, content string) error {
	c := m.Controller

	c.mu.Lock()
	if !c.hasKey {
		c.mu.Unlock()
		return fmt.Errorf("no conversation selected: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(content) == "" {
		c.mu.Unlock()
		return fmt.Errorf("empty message content: %w", errs.ErrValidation)
	}
	convID := c.key
	c.snap.Sending = true
	c.snap.Err = nil
	snap := c.snap
	c.mu.Unlock()
	c.onChange(snap)

	sent, err := m.doSend(ctx, convID, content)

	c.mu.Lock()
	c.snap.Sending = false
	if err != nil {
		// Annotate only if the conversation is still the one we sent to.
		if c.hasKey && c.key == convID {
			c.snap.Err = err
		}
		snap = c.snap
		c.mu.Unlock()
		c.onChange(snap)
		return err
	}
	if c.hasKey && c.key == convID {
		data := append([]model.Message(nil), c.snap.Data...)
		c.snap.Data = append(data, sent)
		c.snap.HasData = true
	}
	snap = c.snap
	c.mu.Unlock()
	c.onChange(snap)

	if m.br != nil {
		m.br.Publish(bridge.Event{ConversationID: convID, Message: &sent})
	}
	return nil
}

func (m *MessagesController) doSend(ctx context.Context, convID, content string) (model.Message, error) {
	c := m.Controller
	tok, err := c.tokens.GetAccessToken(ctx, c.scopes)
	if err != nil {
		return model.Message{}, err
	}
	sent, err := m.clients(tok).SendMessage(ctx, convID, model.BodyText, content)
	if errors.Is(err, errs.ErrUnauthorized) {
		c.logger.Info("send rejected, re-acquiring token once")
		c.tokens.Invalidate(c.scopes)
		tok, err = c.tokens.GetAccessToken(ctx, c.scopes)
		if err == nil {
			sent, err = m.clients(tok).SendMessage(ctx, convID, model.BodyText, content)
		}
	}
	return sent, err
}

// handleEvent treats bridge events for the current conversation like a
// server-pushed update: append the carried message (id-deduplicated, so the
// sender's own optimistic echo is not doubled) or re-fetch on request.
func (m *MessagesController) handleEvent(ev bridge.Event) {
	c := m.Controller

	c.mu.Lock()
	if !c.hasKey || c.key != ev.ConversationID {
		c.mu.Unlock()
		return
	}
	if ev.Message == nil {
		refresh := ev.RefreshRequested
		c.mu.Unlock()
		if refresh {
			m.Refresh(context.Background())
		}
		return
	}
	for _, existing := range c.snap.Data {
		if existing.ID == ev.Message.ID {
			c.mu.Unlock()
			return
		}
	}
	data := append([]model.Message(nil), c.snap.Data...)
	c.snap.Data = append(data, *ev.Message)
	c.snap.HasData = true
	snap := c.snap
	c.mu.Unlock()
	c.onChange(snap)
}
