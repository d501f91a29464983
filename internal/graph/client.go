// Package graph is a thin REST client for the messaging API, bound to a single
// bearer token. Clients are immutable and cheap; construct one per logical
// operation and discard it, or reuse it until the token goes stale.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/chatview/internal/errs"
	"github.com/and161185/chatview/internal/model"
)

// DefaultPageSize caps list calls. Only the first page is consumed; no
// cursor-following.
const DefaultPageSize = 50

// Client calls the remote messaging API with one fixed token.
type Client struct {
	baseURL string
	token   model.Token
	hc      *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLimiter installs a client-side request-rate limiter; each round trip
// waits for a slot before dialing.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithLogger attaches a logger for request diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New binds a client to baseURL and token.
func New(baseURL string, token model.Token, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- wire shapes ----

type listEnvelope[T any] struct {
	Value []T `json:"value"`
}

type wireMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type wireChat struct {
	ID          string       `json:"id"`
	Topic       string       `json:"topic"`
	ChatType    string       `json:"chatType"`
	LastUpdated time.Time    `json:"lastUpdatedDateTime"`
	Members     []wireMember `json:"members"`
}

type wireIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type wireFrom struct {
	User *wireIdentity `json:"user"`
}

type wireBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type wireMessage struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdDateTime"`
	From      *wireFrom `json:"from"`
	Body      wireBody  `json:"body"`
}

type wirePresence struct {
	ID           string `json:"id"`
	Availability string `json:"availability"`
	Activity     string `json:"activity"`
	StatusMsg    *struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"statusMessage"`
}

type wireProfile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	JobTitle    string `json:"jobTitle"`
}

// ---- operations ----

// ListConversations returns the current user's chats, members expanded in the
// same call so rendering does not need one request per chat.
func (c *Client) ListConversations(ctx context.Context, limit int) ([]model.Conversation, error) {
	q := url.Values{}
	q.Set("$expand", "members")
	q.Set("$select", "id,topic,chatType,lastUpdatedDateTime,members")
	q.Set("$top", strconv.Itoa(pageSize(limit)))

	var env listEnvelope[wireChat]
	if err := c.getJSON(ctx, "/me/chats", q, &env); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]model.Conversation, 0, len(env.Value))
	for _, ch := range env.Value {
		conv := model.Conversation{
			ID:          ch.ID,
			Topic:       ch.Topic,
			Kind:        conversationKind(ch.ChatType),
			LastUpdated: ch.LastUpdated,
			Members:     make([]model.Member, 0, len(ch.Members)),
		}
		for _, m := range ch.Members {
			conv.Members = append(conv.Members, model.Member{ID: m.UserID, DisplayName: m.DisplayName})
		}
		out = append(out, conv)
	}
	return out, nil
}

// ListMessages returns the first page of a conversation's messages in REMOTE
// order, which is newest-first. Callers reverse for chronological display.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("empty conversation id: %w", errs.ErrValidation)
	}
	q := url.Values{}
	q.Set("$top", strconv.Itoa(pageSize(limit)))

	var env listEnvelope[wireMessage]
	path := "/me/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := c.getJSON(ctx, path, q, &env); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}

	out := make([]model.Message, 0, len(env.Value))
	for _, m := range env.Value {
		out = append(out, messageFromWire(m))
	}
	return out, nil
}

// SendMessage posts a message and returns the server's echo of it. The echo may
// lack derived fields such as the full sender profile.
func (c *Client) SendMessage(ctx context.Context, conversationID string, contentType model.BodyContentType, content string) (model.Message, error) {
	if conversationID == "" || strings.TrimSpace(content) == "" {
		return model.Message{}, fmt.Errorf("conversation id and content are required: %w", errs.ErrValidation)
	}
	reqBody := map[string]any{
		"body": map[string]string{
			"contentType": string(contentType),
			"content":     content,
		},
	}
	var echoed wireMessage
	path := "/me/chats/" + url.PathEscape(conversationID) + "/messages"
	if err := c.postJSON(ctx, path, reqBody, &echoed); err != nil {
		return model.Message{}, fmt.Errorf("send message %s: %w", conversationID, err)
	}
	return messageFromWire(echoed), nil
}

// GetPresence returns a user's presence snapshot.
func (c *Client) GetPresence(ctx context.Context, userID string) (model.PresenceRecord, error) {
	if userID == "" {
		return model.PresenceRecord{}, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	var p wirePresence
	path := "/users/" + url.PathEscape(userID) + "/presence"
	if err := c.getJSON(ctx, path, nil, &p); err != nil {
		return model.PresenceRecord{}, fmt.Errorf("get presence %s: %w", userID, err)
	}
	rec := model.PresenceRecord{
		UserID:       userID,
		Availability: p.Availability,
		Activity:     p.Activity,
	}
	if p.StatusMsg != nil {
		rec.StatusMessage = p.StatusMsg.Message.Content
	}
	return rec, nil
}

// GetProfilePhoto returns a user's photo blob. A "not found" response is a valid
// empty result (nil, nil), not an error: plenty of accounts have no photo.
func (c *Client) GetProfilePhoto(ctx context.Context, userID string) (*model.Photo, error) {
	if userID == "" {
		return nil, fmt.Errorf("empty user id: %w", errs.ErrValidation)
	}
	path := "/users/" + url.PathEscape(userID) + "/photo/$value"
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("get photo %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyStatus(resp); err != nil {
		return nil, fmt.Errorf("get photo %s: %w", userID, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("get photo %s: read body: %v: %w", userID, err, errs.ErrNetwork)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &model.Photo{
		Bytes:       data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// GetProfile returns a profile; userID "me" resolves to the current user.
func (c *Client) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	path := "/me"
	if userID != "" && userID != "me" {
		path = "/users/" + url.PathEscape(userID)
	}
	var p wireProfile
	if err := c.getJSON(ctx, path, nil, &p); err != nil {
		return model.Profile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return model.Profile{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Mail:        p.Mail,
		JobTitle:    p.JobTitle,
	}, nil
}

// ---- plumbing ----

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, errs.ErrServer)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, errs.ErrServer)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Value)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrNetwork)
	}
	c.logger.Debug("graph round trip",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return resp, nil
}

// classifyStatus maps HTTP status codes onto the shared error taxonomy. The body
// is drained into the error message for diagnostics.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = errs.ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		kind = errs.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = errs.ErrRateLimited
	case resp.StatusCode >= 500:
		kind = errs.ErrServer
	default:
		kind = errs.ErrServer
	}
	return fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(snippet)), kind)
}

func messageFromWire(m wireMessage) model.Message {
	msg := model.Message{
		ID:              m.ID,
		CreatedAt:       m.CreatedAt,
		BodyContentType: model.BodyContentType(m.Body.ContentType),
		BodyContent:     m.Body.Content,
	}
	if m.From != nil && m.From.User != nil {
		msg.Sender = model.Member{ID: m.From.User.ID, DisplayName: m.From.User.DisplayName}
	}
	return msg
}

func conversationKind(chatType string) model.ConversationKind {
	switch chatType {
	case "oneOnOne":
		return model.KindOneOnOne
	case "meeting":
		return model.KindMeeting
	default:
		return model.KindGroup
	}
}

func pageSize(limit int) int {
	if limit <= 0 || limit > DefaultPageSize {
		return DefaultPageSize
	}
	return limit
}
