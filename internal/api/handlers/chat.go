package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/teclab-ai/bitrelay/internal/backend"
	"github.com/teclab-ai/bitrelay/internal/registry"
	"github.com/teclab-ai/bitrelay/internal/relay"
	"github.com/teclab-ai/bitrelay/internal/usage"
)

// queryPreviewLen bounds the query excerpt written to the request log.
const queryPreviewLen = 60

// ChatCompletionRequest is the inbound OpenAI-style request body. Fields the
// upstream platforms cannot honor (temperature, max_tokens, ...) are
// accepted and ignored.
type ChatCompletionRequest struct {
	Model    string              `json:"model"`
	Messages []relay.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

// ChatHandler orchestrates one relayed chat completion: normalize, encode
// history, run the query inside a scoped upstream session, synthesize the
// response and account usage.
type ChatHandler struct {
	registry *registry.Registry
	counter  *usage.TokenCounter
	tracker  *usage.Tracker
}

// NewChatHandler wires the orchestrator's collaborators.
func NewChatHandler(reg *registry.Registry, counter *usage.TokenCounter, tracker *usage.Tracker) *ChatHandler {
	return &ChatHandler{registry: reg, counter: counter, tracker: tracker}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &relay.ValidationError{Message: fmt.Sprintf("malformed request body: %v", err)})
		return
	}

	b, ok := h.registry.Lookup(req.Model)
	if !ok {
		writeError(c, &relay.ValidationError{
			Message: fmt.Sprintf("unknown model %q, available models: %s", req.Model, strings.Join(h.registry.IDs(), ", ")),
		})
		return
	}

	normalized, err := relay.Normalize(req.Messages)
	if err != nil {
		writeError(c, err)
		return
	}
	prompt := relay.EncodeHistory(normalized.History) + normalized.Query

	log.WithFields(log.Fields{
		"model":   req.Model,
		"backend": string(b.Kind()),
		"stream":  req.Stream,
		"history": len(normalized.History),
		"query":   preview(normalized.Query),
	}).Info("relaying chat completion")

	start := time.Now()
	rec := usage.Record{Model: req.Model, PromptTokens: h.counter.Count(prompt)}

	if req.Stream {
		err = h.streamCompletion(c, b, req.Model, prompt, &rec)
	} else {
		err = h.batchCompletion(c, b, req.Model, prompt, &rec)
	}
	rec.Latency = time.Since(start)
	rec.Failed = err != nil
	h.tracker.Observe(rec)
	if err != nil {
		writeError(c, err)
	}
}

func (h *ChatHandler) batchCompletion(c *gin.Context, b backend.Backend, model, prompt string, rec *usage.Record) error {
	return relay.WithSession(c.Request.Context(), b, func(session backend.Session) error {
		res, err := b.QueryBatch(c.Request.Context(), session, prompt)
		if err != nil {
			return err
		}
		rec.CompletionTokens = h.counter.Count(res.Reasoning + res.Answer)

		completion := relay.NewSynthesizer(model).Completion(res)
		completion.Usage = relay.Usage{
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			TotalTokens:      rec.PromptTokens + rec.CompletionTokens,
		}
		log.WithFields(log.Fields{
			"model":   model,
			"answer":  len(res.Answer),
			"reasons": len(res.Reasoning),
		}).Info("chat completion finished")
		c.JSON(http.StatusOK, completion)
		return nil
	})
}

// streamCompletion forwards demultiplexed fragments as SSE chunks as they
// arrive. Response headers are written lazily: a failure before the first
// fragment still gets a proper JSON error, while a failure after bytes were
// sent is logged and the stream is terminated cleanly with a final chunk and
// the done sentinel, since the client already holds a 200.
func (h *ChatHandler) streamCompletion(c *gin.Context, b backend.Backend, model, prompt string, rec *usage.Record) error {
	return relay.WithSession(c.Request.Context(), b, func(session backend.Session) error {
		events, errs := b.QueryStream(c.Request.Context(), session, prompt)
		syn := relay.NewSynthesizer(model)

		var streamed strings.Builder
		wroteAny := false
		for ev := range events {
			if !wroteAny {
				writeSSEHeaders(c)
				wroteAny = true
			}
			streamed.WriteString(ev.Text)
			writeSSEChunk(c, syn.Chunk(ev))
		}
		rec.CompletionTokens = h.counter.Count(streamed.String())

		select {
		case err := <-errs:
			if err != nil {
				if !wroteAny {
					return err
				}
				log.Warnf("stream for model %s ended early: %v", model, err)
			}
		default:
		}

		if !wroteAny {
			writeSSEHeaders(c)
		}
		writeSSEChunk(c, syn.FinalChunk())
		writeSSEDone(c)
		log.WithFields(log.Fields{
			"model":    model,
			"streamed": streamed.Len(),
		}).Info("chat completion stream finished")
		return nil
	})
}

func writeSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

func writeSSEChunk(c *gin.Context, chunk relay.Chunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		log.Errorf("marshal stream chunk: %v", err)
		return
	}
	_, _ = c.Writer.WriteString("data: " + string(data) + "\n\n")
	c.Writer.Flush()
}

func writeSSEDone(c *gin.Context) {
	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	c.Writer.Flush()
}

func preview(query string) string {
	if len(query) > queryPreviewLen {
		return query[:queryPreviewLen] + "..."
	}
	return query
}
