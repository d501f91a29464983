// Package bridge is an in-process publish/subscribe channel keyed by conversation id.
// It simulates the push-notification channel a real deployment would get from server
// subscriptions/webhooks: a controller that sent a message publishes the event locally
// so other controllers can react as if the server had pushed it. It does not cross
// process or session boundaries and is not a substitute for real-time sync.
package bridge

import (
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/chatview/internal/model"
)

// Event is a simulated notification for a single conversation. Either Message is
// set (a new message to append) or RefreshRequested is true (re-fetch the thread).
type Event struct {
	ConversationID   string
	Message          *model.Message
	RefreshRequested bool
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bridge fans events out to all subscribers.
type Bridge struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]Handler
}

// New constructs an empty bridge.
func New() *Bridge {
	return &Bridge{subs: make(map[uuid.UUID]Handler)}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is a no-op.
func (b *Bridge) Subscribe(h Handler) func() {
	id, _ := uuid.NewV4()
	b.mu.Lock()
	b.subs[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event to every current subscriber.
func (b *Bridge) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
