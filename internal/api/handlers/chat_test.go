package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/teclab-ai/bitrelay/internal/backend"
	"github.com/teclab-ai/bitrelay/internal/registry"
	"github.com/teclab-ai/bitrelay/internal/usage"
)

// fakeBackend replays a scripted stream and records the prompts and session
// teardowns it sees.
type fakeBackend struct {
	kind      backend.Kind
	events    []backend.StreamEvent
	createErr error
	streamErr error

	mu        sync.Mutex
	prompts   []string
	destroyed []string
}

func (f *fakeBackend) Kind() backend.Kind { return f.kind }

func (f *fakeBackend) CreateSession(context.Context) (backend.Session, error) {
	if f.createErr != nil {
		return backend.Session{}, f.createErr
	}
	return backend.Session{ID: "s-1", Kind: f.kind}, nil
}

func (f *fakeBackend) DestroySession(_ context.Context, session backend.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, session.ID)
	return nil
}

func (f *fakeBackend) QueryStream(_ context.Context, _ backend.Session, text string) (<-chan backend.StreamEvent, <-chan error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, text)
	f.mu.Unlock()

	events := make(chan backend.StreamEvent, len(f.events))
	for _, ev := range f.events {
		events <- ev
	}
	close(events)
	errs := make(chan error, 1)
	if f.streamErr != nil {
		errs <- f.streamErr
	}
	return events, errs
}

func (f *fakeBackend) QueryBatch(ctx context.Context, session backend.Session, text string) (backend.Result, error) {
	events, errs := f.QueryStream(ctx, session, text)
	return backend.Collect(events, errs)
}

func (f *fakeBackend) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeBackend) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.destroyed)
}

func newTestRouter(t *testing.T, b backend.Backend) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	if err := reg.Register("test-model", b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	counter, err := usage.NewTokenCounter()
	if err != nil {
		t.Fatalf("NewTokenCounter: %v", err)
	}
	chat := NewChatHandler(reg, counter, usage.NewTracker(nil))
	r := gin.New()
	r.POST("/v1/chat/completions", chat.ChatCompletions)
	r.GET("/v1/models", NewModelsHandler(reg).ListModels)
	return r
}

func postCompletion(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestBatchCompletion(t *testing.T) {
	fake := &fakeBackend{kind: backend.KindAgent, events: []backend.StreamEvent{
		{Channel: backend.ChannelReasoning, Text: "thinking"},
		{Channel: backend.ChannelAnswer, Text: "hello "},
		{Channel: backend.ChannelAnswer, Text: "there"},
	}}
	r := newTestRouter(t, fake)

	w := postCompletion(r, `{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	body := w.Body.String()
	if got := gjson.Get(body, "object").String(); got != "chat.completion" {
		t.Errorf("object = %q", got)
	}
	if got := gjson.Get(body, "choices.0.message.content").String(); got != "hello there" {
		t.Errorf("content = %q", got)
	}
	if got := gjson.Get(body, "choices.0.message.reasoning_content").String(); got != "thinking" {
		t.Errorf("reasoning_content = %q", got)
	}
	if got := gjson.Get(body, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
	if gjson.Get(body, "usage.prompt_tokens").Int() <= 0 || gjson.Get(body, "usage.completion_tokens").Int() <= 0 {
		t.Errorf("usage not filled: %s", gjson.Get(body, "usage").Raw)
	}
	if fake.lastPrompt() != "hi" {
		t.Errorf("prompt = %q", fake.lastPrompt())
	}
	if fake.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1", fake.destroyCount())
	}
}

func TestBatchCompletionEncodesHistory(t *testing.T) {
	fake := &fakeBackend{events: []backend.StreamEvent{{Channel: backend.ChannelAnswer, Text: "ok"}}}
	r := newTestRouter(t, fake)

	w := postCompletion(r, `{"model":"test-model","messages":[
		{"role":"user","content":"q1"},
		{"role":"assistant","content":"a1"},
		{"role":"user","content":"q2"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	prompt := fake.lastPrompt()
	if !strings.Contains(prompt, "user:q1") || !strings.Contains(prompt, "assistant:a1") {
		t.Errorf("history missing from prompt %q", prompt)
	}
	if !strings.HasSuffix(prompt, "q2") {
		t.Errorf("query must come last in prompt %q", prompt)
	}
}

func TestStreamingCompletion(t *testing.T) {
	fake := &fakeBackend{kind: backend.KindIBit, events: []backend.StreamEvent{
		{Channel: backend.ChannelReasoning, Text: "a"},
		{Channel: backend.ChannelAnswer, Text: "b"},
		{Channel: backend.ChannelAnswer, Text: "c"},
	}}
	r := newTestRouter(t, fake)

	w := postCompletion(r, `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var frames []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if payload, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, payload)
		}
	}
	if len(frames) != 5 {
		t.Fatalf("frame count = %d, frames %q", len(frames), frames)
	}
	if got := gjson.Get(frames[0], "choices.0.delta.reasoning_content").String(); got != "a" {
		t.Errorf("frame 0 reasoning = %q", got)
	}
	if got := gjson.Get(frames[1], "choices.0.delta.content").String(); got != "b" {
		t.Errorf("frame 1 content = %q", got)
	}
	if got := gjson.Get(frames[2], "choices.0.delta.content").String(); got != "c" {
		t.Errorf("frame 2 content = %q", got)
	}
	final := frames[3]
	if got := gjson.Get(final, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("final finish_reason = %q", got)
	}
	if gjson.Get(final, "object").String() != "chat.completion.chunk" {
		t.Errorf("final object = %q", gjson.Get(final, "object").String())
	}
	if frames[4] != "[DONE]" {
		t.Errorf("terminal frame = %q", frames[4])
	}
	if fake.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1", fake.destroyCount())
	}
}

func TestUnknownModel(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{})

	w := postCompletion(r, `{"model":"nope","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "error.type").String() != "invalid_request_error" {
		t.Errorf("error.type = %q", gjson.Get(body, "error.type").String())
	}
	if !strings.Contains(gjson.Get(body, "error.message").String(), "test-model") {
		t.Errorf("message must name the available models: %s", body)
	}
}

func TestValidationFailures(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{})

	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"model":"test-model","messages":[]}`},
		{"last message not user", `{"model":"test-model","messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`},
		{"malformed json", `{"model":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postCompletion(r, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body)
			}
			if gjson.Get(w.Body.String(), "error.type").String() != "invalid_request_error" {
				t.Errorf("error.type = %q", gjson.Get(w.Body.String(), "error.type").String())
			}
		})
	}
}

func TestUpstreamFailureAnswers502(t *testing.T) {
	fake := &fakeBackend{createErr: backend.Unavailable("platform down")}
	r := newTestRouter(t, fake)

	w := postCompletion(r, `{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if gjson.Get(w.Body.String(), "error.type").String() != "upstream_error" {
		t.Errorf("error.type = %q", gjson.Get(w.Body.String(), "error.type").String())
	}
}

func TestStreamSetupFailureAnswersJSONError(t *testing.T) {
	fake := &fakeBackend{streamErr: backend.Unavailable("query rejected")}
	r := newTestRouter(t, fake)

	w := postCompletion(r, `{"model":"test-model","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if gjson.Get(w.Body.String(), "error.type").String() != "upstream_error" {
		t.Errorf("error.type = %q", gjson.Get(w.Body.String(), "error.type").String())
	}
	if fake.destroyCount() != 1 {
		t.Errorf("destroy count = %d, want 1", fake.destroyCount())
	}
}

func TestListModels(t *testing.T) {
	r := newTestRouter(t, &fakeBackend{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if gjson.Get(body, "object").String() != "list" {
		t.Errorf("object = %q", gjson.Get(body, "object").String())
	}
	first := gjson.Get(body, "data.0")
	if first.Get("id").String() != "test-model" || first.Get("owned_by").String() != "teclab" || first.Get("object").String() != "model" {
		t.Errorf("unexpected model card %s", first.Raw)
	}
}
