package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teclab-ai/bitrelay/internal/backend"
)

// Wire objects follow the OpenAI chat-completion shapes.

// Usage reports token counts for a finished completion. The synthesizer
// emits zero values; the orchestrator fills them in from the token counter.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AssistantMessage is the message object of a batch completion choice.
type AssistantMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Choice is one batch completion choice.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// Completion is the non-streaming response object.
type Completion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Delta carries the incremental payload of one streaming chunk. A chunk
// carries either a content delta or a reasoning delta, never both.
type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ChunkChoice is one streaming chunk choice.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk is one streaming response chunk.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

var finishReasonStop = "stop"

// Synthesizer converts demultiplexed stream fragments into outbound wire
// objects. All objects of one response share the same id and timestamp.
type Synthesizer struct {
	id      string
	created int64
	model   string
}

// NewSynthesizer creates a synthesizer for one response.
func NewSynthesizer(model string) *Synthesizer {
	return &Synthesizer{
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		created: time.Now().Unix(),
		model:   model,
	}
}

// Completion wraps a finished batch result into one completion object with
// finish_reason "stop" and zero-valued usage counters.
func (s *Synthesizer) Completion(res backend.Result) Completion {
	return Completion{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []Choice{{
			Index: 0,
			Message: AssistantMessage{
				Role:             RoleAssistant,
				Content:          res.Answer,
				ReasoningContent: res.Reasoning,
			},
			FinishReason: finishReasonStop,
		}},
	}
}

// Chunk maps one stream event, in arrival order, onto one outbound chunk
// carrying either a content delta or a reasoning delta.
func (s *Synthesizer) Chunk(ev backend.StreamEvent) Chunk {
	delta := Delta{}
	switch ev.Channel {
	case backend.ChannelReasoning:
		delta.ReasoningContent = ev.Text
	case backend.ChannelAnswer:
		delta.Content = ev.Text
	}
	return Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

// FinalChunk is the terminal chunk: an empty delta with finish_reason "stop".
// The transport appends the done sentinel after it.
func (s *Synthesizer) FinalChunk() Chunk {
	return Chunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{{Index: 0, Delta: Delta{}, FinishReason: &finishReasonStop}},
	}
}
