// Package relay implements the protocol-translation core: it normalizes
// OpenAI-style message arrays into single-shot upstream queries, encodes
// conversation history into a textual preamble, scopes upstream session
// lifetimes, and synthesizes outbound completion objects from demultiplexed
// stream fragments.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Message roles accepted on the inbound wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPart is one element of a multi-part message content list.
type ContentPart struct {
	// Type is "text" or "image_url".
	Type string `json:"type"`
	// Text holds the fragment for text-typed parts.
	Text string `json:"text,omitempty"`
	// ImageURL holds the image reference for image parts. The relay discards
	// image parts; the field exists so inbound payloads round-trip cleanly.
	ImageURL map[string]string `json:"image_url,omitempty"`
}

// MessageContent is a message body that arrives either as a plain string or
// as an ordered list of content parts.
type MessageContent struct {
	text  string
	parts []ContentPart
}

// UnmarshalJSON accepts both wire shapes.
func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty message content")
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &mc.text)
	case '[':
		return json.Unmarshal(trimmed, &mc.parts)
	default:
		return fmt.Errorf("message content must be a string or a part list")
	}
}

// MarshalJSON emits the shape the content arrived in.
func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.parts != nil {
		return json.Marshal(mc.parts)
	}
	return json.Marshal(mc.text)
}

// Text extracts the plain text of the content. Multi-part content
// concatenates all text-typed parts with a single space; non-text parts are
// discarded.
func (mc MessageContent) Text() string {
	if mc.parts == nil {
		return mc.text
	}
	var segments []string
	for _, part := range mc.parts {
		if part.Type == "text" && part.Text != "" {
			segments = append(segments, part.Text)
		}
	}
	return strings.Join(segments, " ")
}

// TextContent builds a plain-string content, mostly for tests and synthesized
// messages.
func TextContent(s string) MessageContent {
	return MessageContent{text: s}
}

// PartsContent builds a multi-part content.
func PartsContent(parts ...ContentPart) MessageContent {
	if parts == nil {
		parts = []ContentPart{}
	}
	return MessageContent{parts: parts}
}

// ChatMessage is one inbound conversation message.
type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// HistoryTurn is one completed user/assistant exchange.
type HistoryTurn struct {
	User      string
	Assistant string
}

// NormalizedRequest is the flattened form of an inbound message array:
// a single query plus the structured history preceding it. It is produced
// once per request, consumed once and discarded.
type NormalizedRequest struct {
	Query   string
	History []HistoryTurn
}
