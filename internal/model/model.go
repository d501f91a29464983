// Package model defines domain entities used by controllers and the graph client.
package model

import (
	"sort"
	"time"
)

// Token is a delegated bearer token scoped to a set of permissions.
// Owned by the auth provider; session-scoped, never persisted.
type Token struct {
	Value     string
	Scopes    []string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at the given instant.
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// Account is the signed-in principal. At most one active account per session.
type Account struct {
	ID          string
	DisplayName string
}

// Member is a conversation participant snapshot (id + display name, not a live link).
type Member struct {
	ID          string
	DisplayName string
}

// ConversationKind distinguishes one-on-one chats from group chats.
type ConversationKind string

const (
	KindOneOnOne ConversationKind = "oneOnOne"
	KindGroup    ConversationKind = "group"
	KindMeeting  ConversationKind = "meeting"
)

// Conversation is an immutable snapshot of a chat, re-fetched wholesale.
type Conversation struct {
	ID          string
	Topic       string
	Kind        ConversationKind
	Members     []Member
	LastUpdated time.Time
}

// BodyContentType is the message body encoding reported by the remote API.
type BodyContentType string

const (
	BodyText BodyContentType = "text"
	BodyHTML BodyContentType = "html"
)

// Message is a single chat message.
type Message struct {
	ID              string
	CreatedAt       time.Time
	Sender          Member
	BodyContentType BodyContentType
	BodyContent     string
}

// PresenceRecord is a user's availability snapshot. Cached with a short TTL.
type PresenceRecord struct {
	UserID        string
	Availability  string
	Activity      string
	StatusMessage string
}

// Profile is a user profile (current user or another user).
type Profile struct {
	ID          string
	DisplayName string
	Mail        string
	JobTitle    string
}

// Photo is a profile photo blob. Absent photos are represented by a nil *Photo.
type Photo struct {
	Bytes       []byte
	ContentType string
}

// SortMessages orders messages by CreatedAt ascending (oldest first) for display.
// The remote API returns newest-first; the sort is stable so equal timestamps keep
// their relative remote order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
