package relay

import (
	"encoding/json"
	"testing"

	"github.com/teclab-ai/bitrelay/internal/backend"
)

func TestSynthesizerCompletion(t *testing.T) {
	s := NewSynthesizer("deepseek-r1")
	c := s.Completion(backend.Result{Answer: "four", Reasoning: "2+2"})

	if c.Object != "chat.completion" {
		t.Fatalf("object = %q", c.Object)
	}
	if c.Model != "deepseek-r1" {
		t.Fatalf("model = %q", c.Model)
	}
	if len(c.Choices) != 1 {
		t.Fatalf("choices = %d", len(c.Choices))
	}
	choice := c.Choices[0]
	if choice.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content != "four" || choice.Message.ReasoningContent != "2+2" {
		t.Fatalf("message = %+v", choice.Message)
	}
	if c.Usage != (Usage{}) {
		t.Fatalf("synthesizer must leave usage zeroed, got %+v", c.Usage)
	}
}

func TestSynthesizerStreamingOrder(t *testing.T) {
	s := NewSynthesizer("ibit")
	events := []backend.StreamEvent{
		{Channel: backend.ChannelReasoning, Text: "a"},
		{Channel: backend.ChannelAnswer, Text: "b"},
		{Channel: backend.ChannelAnswer, Text: "c"},
	}

	var chunks []Chunk
	for _, ev := range events {
		chunks = append(chunks, s.Chunk(ev))
	}
	chunks = append(chunks, s.FinalChunk())

	if got := chunks[0].Choices[0].Delta; got.ReasoningContent != "a" || got.Content != "" {
		t.Fatalf("chunk 0 delta = %+v", got)
	}
	if got := chunks[1].Choices[0].Delta; got.Content != "b" || got.ReasoningContent != "" {
		t.Fatalf("chunk 1 delta = %+v", got)
	}
	if got := chunks[2].Choices[0].Delta; got.Content != "c" {
		t.Fatalf("chunk 2 delta = %+v", got)
	}

	final := chunks[3].Choices[0]
	if final.Delta != (Delta{}) {
		t.Fatalf("final delta must be empty, got %+v", final.Delta)
	}
	if final.FinishReason == nil || *final.FinishReason != "stop" {
		t.Fatalf("final finish_reason = %v", final.FinishReason)
	}

	for i := 1; i < len(chunks); i++ {
		if chunks[i].ID != chunks[0].ID || chunks[i].Created != chunks[0].Created {
			t.Fatalf("chunk %d does not share id/created with the response", i)
		}
	}
}

func TestChunkJSONShape(t *testing.T) {
	s := NewSynthesizer("m")
	data, err := json.Marshal(s.Chunk(backend.StreamEvent{Channel: backend.ChannelAnswer, Text: "x"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err = json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["object"] != "chat.completion.chunk" {
		t.Fatalf("object = %v", decoded["object"])
	}
	choice := decoded["choices"].([]any)[0].(map[string]any)
	delta := choice["delta"].(map[string]any)
	if delta["content"] != "x" {
		t.Fatalf("delta = %v", delta)
	}
	if _, present := delta["reasoning_content"]; present {
		t.Fatal("reasoning_content must be omitted from a content chunk")
	}
	if fr, present := choice["finish_reason"]; !present || fr != nil {
		t.Fatalf("finish_reason must be an explicit null, got %v present=%v", fr, present)
	}
}
