// Package ibit implements the credential-based Backend adapter for the iBit
// platform. Every upstream call is authenticated with a badge token obtained
// from the campus SSO collaborator. The badge is cached process-wide: readers
// of a valid badge never block each other, and concurrent requests observing
// an invalid badge collapse into a single login call.
package ibit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"github.com/teclab-ai/bitrelay/internal/auth/bitsso"
	"github.com/teclab-ai/bitrelay/internal/backend"
)

const (
	dialoguePath    = "/proxy/v1/dialogue"
	chatStreamPath  = "/proxy/v1/chat/stream/private/kb"
	badgeHeaderName = "badge"
	badgeCookieName = "badge_2"

	// defaultAssistantID selects the DeepSeek assistant on the platform.
	defaultAssistantID = 43
)

// Options configures the iBit backend.
type Options struct {
	// BaseURL is the platform origin, e.g. "https://ibit.yanhekt.cn".
	BaseURL string
	// AssistantID selects the upstream assistant. Zero means the default.
	AssistantID int
	// HTTPClient overrides the client used for upstream calls.
	HTTPClient *http.Client
}

// Backend drives the iBit platform.
type Backend struct {
	httpClient  *http.Client
	baseURL     string
	assistantID int
	auth        bitsso.Authenticator

	mu   sync.RWMutex
	cred bitsso.Credential

	loginGroup singleflight.Group
}

// New builds an iBit backend around the given login collaborator.
func New(auth bitsso.Authenticator, opts Options) (*Backend, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ibit: base URL is required")
	}
	if auth == nil {
		return nil, backend.Unavailable("ibit: login collaborator is required")
	}
	b := &Backend{
		httpClient:  opts.HTTPClient,
		baseURL:     opts.BaseURL,
		assistantID: opts.AssistantID,
		auth:        auth,
	}
	if b.httpClient == nil {
		b.httpClient = &http.Client{Timeout: 0}
	}
	if b.assistantID == 0 {
		b.assistantID = defaultAssistantID
	}
	return b, nil
}

// Kind reports the adapter variant.
func (b *Backend) Kind() backend.Kind { return backend.KindIBit }

// credential returns a usable badge, logging in if the cached one is missing
// or expired. Reads of a currently-valid badge take only the read lock.
func (b *Backend) credential(ctx context.Context) (bitsso.Credential, error) {
	b.mu.RLock()
	cred := b.cred
	b.mu.RUnlock()
	if cred.Badge != "" && !b.auth.IsExpired(cred) {
		return cred, nil
	}
	return b.refreshCredential(ctx, cred)
}

// refreshCredential replaces the cached badge. Concurrent callers collapse
// into one login call; late arrivals reuse a badge that was refreshed while
// they waited for the flight.
func (b *Backend) refreshCredential(ctx context.Context, stale bitsso.Credential) (bitsso.Credential, error) {
	v, err, _ := b.loginGroup.Do("login", func() (any, error) {
		b.mu.RLock()
		current := b.cred
		b.mu.RUnlock()
		if current.Badge != "" && current.Badge != stale.Badge && !b.auth.IsExpired(current) {
			return current, nil
		}

		cred, errLogin := b.auth.Login(ctx)
		if errLogin != nil {
			return nil, errLogin
		}
		b.mu.Lock()
		b.cred = cred
		b.mu.Unlock()
		log.WithField("backend", string(backend.KindIBit)).Debug("refreshed upstream badge")
		return cred, nil
	})
	if err != nil {
		return bitsso.Credential{}, backend.Unavailable("ibit: login failed: %v", err)
	}
	return v.(bitsso.Credential), nil
}

func (b *Backend) newRequest(ctx context.Context, method, path, payload string, cred bitsso.Credential) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBufferString(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Xdomain-Client", "web_user")
	req.Header.Set("x-assistant-id", strconv.Itoa(b.assistantID))
	req.Header.Set(badgeHeaderName, url.QueryEscape(cred.Badge))
	req.AddCookie(&http.Cookie{Name: badgeCookieName, Value: cred.Badge})
	return req, nil
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// doAuthed performs an authenticated upstream call. On a response that looks
// like an expired or invalid badge it performs exactly one
// re-login-then-retry before surfacing the failure.
func (b *Backend) doAuthed(ctx context.Context, method, path, payload string) (*http.Response, error) {
	cred, err := b.credential(ctx)
	if err != nil {
		return nil, err
	}

	attempt := func(c bitsso.Credential) (*http.Response, error) {
		req, errReq := b.newRequest(ctx, method, path, payload, c)
		if errReq != nil {
			return nil, errReq
		}
		return b.httpClient.Do(req)
	}

	resp, err := attempt(cred)
	if err != nil {
		return nil, err
	}
	if !isAuthStatus(resp.StatusCode) {
		return resp, nil
	}
	drainAndClose(resp.Body)

	cred, err = b.refreshCredential(ctx, cred)
	if err != nil {
		return nil, err
	}
	resp, err = attempt(cred)
	if err != nil {
		return nil, err
	}
	if isAuthStatus(resp.StatusCode) {
		drainAndClose(resp.Body)
		return nil, backend.Unavailable("ibit: still unauthorized after re-login (status %d)", resp.StatusCode)
	}
	return resp, nil
}

// CreateSession allocates a fresh dialogue. Dialogue titles carry a
// timestamp and a short random suffix so operators can spot relay-created
// dialogues on the platform.
func (b *Backend) CreateSession(ctx context.Context) (backend.Session, error) {
	title := fmt.Sprintf("[relay]%d-%s", time.Now().UnixMilli(), uuid.NewString()[:4])
	payload, _ := sjson.Set(`{"assistant_id":0,"title":""}`, "assistant_id", b.assistantID)
	payload, _ = sjson.Set(payload, "title", title)

	resp, err := b.doAuthed(ctx, http.MethodPost, dialoguePath, payload)
	if err != nil {
		return backend.Session{}, wrapUnavailable("ibit: create dialogue", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return backend.Session{}, backend.Unavailable("ibit: read create response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return backend.Session{}, backend.Unavailable("ibit: create dialogue returned status %d: %s", resp.StatusCode, gjson.GetBytes(body, "message").String())
	}
	id := gjson.GetBytes(body, "data.id")
	if !id.Exists() {
		return backend.Session{}, backend.Unavailable("ibit: create dialogue returned no id")
	}
	return backend.Session{ID: id.String(), Kind: backend.KindIBit, CreatedAt: time.Now()}, nil
}

// DestroySession deletes the dialogue.
func (b *Backend) DestroySession(ctx context.Context, session backend.Session) error {
	idNum, err := strconv.ParseInt(session.ID, 10, 64)
	if err != nil {
		return fmt.Errorf("ibit: malformed dialogue id %q: %w", session.ID, err)
	}
	payload, _ := sjson.Set(`{"ids":[]}`, "ids.0", idNum)

	resp, err := b.doAuthed(ctx, http.MethodDelete, dialoguePath, payload)
	if err != nil {
		return fmt.Errorf("ibit: delete dialogue %s: %w", session.ID, err)
	}
	drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ibit: delete dialogue %s returned status %d", session.ID, resp.StatusCode)
	}
	return nil
}

func (b *Backend) queryPayload(session backend.Session, text string) string {
	payload, _ := sjson.Set(`{"query":"","dialogue_id":0,"stream":true,"history":[],"temperature":0.7,"top_k":3,"score_threshold":0.5,"prompt_name":"","knowledge_base_name":""}`, "query", text)
	if idNum, err := strconv.ParseInt(session.ID, 10, 64); err == nil {
		payload, _ = sjson.Set(payload, "dialogue_id", idNum)
	} else {
		payload, _ = sjson.Set(payload, "dialogue_id", session.ID)
	}
	return payload
}

// QueryStream submits the query and demultiplexes the event-stream response.
func (b *Backend) QueryStream(ctx context.Context, session backend.Session, text string) (<-chan backend.StreamEvent, <-chan error) {
	resp, err := b.doAuthed(ctx, http.MethodPost, chatStreamPath, b.queryPayload(session, text))
	if err != nil {
		return backend.FailedStream(wrapUnavailable("ibit: chat stream", err))
	}
	if resp.StatusCode != http.StatusOK {
		drainAndClose(resp.Body)
		return backend.FailedStream(backend.Unavailable("ibit: chat stream returned status %d", resp.StatusCode))
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
		log.Warnf("ibit: stream ended early after usable fragments: %v", err)
	}
	return res, nil
}

// StartKeepAlive exercises dialogue create/destroy on an interval to keep
// the SSO cookie warm, until ctx is cancelled. The platform expires idle
// badges aggressively; a failed ping triggers the usual re-login path on the
// next request, so failures are only logged.
func (b *Backend) StartKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				session, err := b.CreateSession(ctx)
				if err != nil {
					log.Warnf("ibit: keep-alive ping failed: %v", err)
					continue
				}
				if err = b.DestroySession(ctx, session); err != nil {
					log.Warnf("ibit: keep-alive cleanup failed: %v", err)
				}
			}
		}
	}()
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}
