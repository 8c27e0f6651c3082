// Package agent implements the key-based Backend adapter for the Agent
// platform. The platform authenticates with two static keys (an app key and
// a visitor key), so there is no login step: every capability maps to one
// upstream call.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/teclab-ai/bitrelay/internal/backend"
)

const (
	createConversationPath = "/api/proxy/chat/v2/create_conversation"
	chatQueryPath          = "/api/proxy/chat/v2/chat_query"
	deleteConversationPath = "/api/proxy/chat/v2/delete_conversation"
	listConversationsPath  = "/api/proxy/chat/v2/get_conversation_list"

	visitorCookieName = "app-visitor-key"
)

// Backend drives the Agent platform.
type Backend struct {
	httpClient *http.Client
	baseURL    string
	appKey     string
	visitorKey string
}

// Option customises Backend construction.
type Option func(*Backend)

// WithHTTPClient overrides the HTTP client used for upstream calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *Backend) { b.httpClient = hc }
}

// New builds an Agent backend. Both keys are required; a missing key means
// the upstream is unreachable for every request, so construction fails with
// an upstream-unavailable error.
func New(baseURL, appKey, visitorKey string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("agent: base URL is required")
	}
	if appKey == "" || visitorKey == "" {
		return nil, backend.Unavailable("agent: app key and visitor key are required")
	}
	b := &Backend{
		httpClient: &http.Client{Timeout: 0},
		baseURL:    baseURL,
		appKey:     appKey,
		visitorKey: visitorKey,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Kind reports the adapter variant.
func (b *Backend) Kind() backend.Kind { return backend.KindAgent }

func (b *Backend) newRequest(ctx context.Context, path, payload string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewBufferString(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(visitorCookieName, b.visitorKey)
	req.AddCookie(&http.Cookie{Name: visitorCookieName, Value: b.visitorKey})
	return req, nil
}

func (b *Backend) postJSON(ctx context.Context, path, payload string) ([]byte, error) {
	req, err := b.newRequest(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, firstLine(body))
	}
	return body, nil
}

// CreateSession allocates a fresh conversation on the platform.
func (b *Backend) CreateSession(ctx context.Context) (backend.Session, error) {
	payload, _ := sjson.Set(`{"AppKey":"","Inputs":{}}`, "AppKey", b.appKey)
	body, err := b.postJSON(ctx, createConversationPath, payload)
	if err != nil {
		return backend.Session{}, backend.Unavailable("agent: create conversation: %v", err)
	}
	id := gjson.GetBytes(body, "Conversation.AppConversationID").String()
	if id == "" {
		return backend.Session{}, backend.Unavailable("agent: create conversation returned no id")
	}
	return backend.Session{ID: id, Kind: backend.KindAgent, CreatedAt: time.Now()}, nil
}

// DestroySession deletes the conversation.
func (b *Backend) DestroySession(ctx context.Context, session backend.Session) error {
	payload, _ := sjson.Set(`{"AppKey":"","AppConversationID":""}`, "AppKey", b.appKey)
	payload, _ = sjson.Set(payload, "AppConversationID", session.ID)
	if _, err := b.postJSON(ctx, deleteConversationPath, payload); err != nil {
		return fmt.Errorf("agent: delete conversation %s: %w", session.ID, err)
	}
	return nil
}

func (b *Backend) queryPayload(session backend.Session, text string) string {
	payload, _ := sjson.Set(`{"Query":"","AppConversationID":"","AppKey":"","QueryExtends":{"Files":[]}}`, "Query", text)
	payload, _ = sjson.Set(payload, "AppConversationID", session.ID)
	payload, _ = sjson.Set(payload, "AppKey", b.appKey)
	return payload
}

// QueryStream submits the query and demultiplexes the event-stream response.
func (b *Backend) QueryStream(ctx context.Context, session backend.Session, text string) (<-chan backend.StreamEvent, <-chan error) {
	req, err := b.newRequest(ctx, chatQueryPath, b.queryPayload(session, text))
	if err != nil {
		return backend.FailedStream(err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return backend.FailedStream(fmt.Errorf("agent: chat query: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return backend.FailedStream(backend.Unavailable("agent: chat query returned status %d", resp.StatusCode))
	}
	return backend.StreamEvents(ctx, resp.Body)
}

// QueryBatch drains the stream into a finished result. A mid-stream failure
// after usable fragments arrived is tolerated; only a stream that produced
// nothing is fatal.
func (b *Backend) QueryBatch(ctx context.Context, session backend.Session, text string) (backend.Result, error) {
	events, errs := b.QueryStream(ctx, session, text)
	res, err := backend.Collect(events, errs)
	if err != nil {
		if res.Answer == "" && res.Reasoning == "" {
			return backend.Result{}, err
		}
		log.Warnf("agent: stream ended early after usable fragments: %v", err)
	}
	return res, nil
}

// ListSessions returns the conversation ids currently held by the platform.
// Used by cleanup at startup, mirroring the platform's habit of letting
// abandoned conversations pile up.
func (b *Backend) ListSessions(ctx context.Context) ([]string, error) {
	payload, _ := sjson.Set(`{"AppKey":""}`, "AppKey", b.appKey)
	body, err := b.postJSON(ctx, listConversationsPath, payload)
	if err != nil {
		return nil, fmt.Errorf("agent: list conversations: %w", err)
	}
	var ids []string
	gjson.GetBytes(body, "ConversationList").ForEach(func(_, conv gjson.Result) bool {
		if id := conv.Get("AppConversationID").String(); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// CleanupSessions deletes every conversation the platform still holds.
func (b *Backend) CleanupSessions(ctx context.Context) error {
	ids, err := b.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err = b.DestroySession(ctx, backend.Session{ID: id, Kind: backend.KindAgent}); err != nil {
			log.Warnf("agent: cleanup of conversation %s failed: %v", id, err)
		}
	}
	return nil
}

func firstLine(body []byte) string {
	for i, c := range body {
		if c == '\n' {
			return string(body[:i])
		}
	}
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
