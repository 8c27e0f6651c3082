package relay

import "fmt"

// ValidationError rejects a request before any network call is made.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// systemPromptFormat merges a leading system message into the query as a
// labeled preamble, since neither upstream has a native system channel.
const systemPromptFormat = "[system prompt]:\n%s\n\n[user question]:\n%s"

// Normalize validates and flattens an inbound message array into a single
// query plus structured history.
//
// The list must be non-empty and must end with a user message. A leading
// system message is merged into the query as a labeled preamble. The
// remaining messages are scanned pairwise in steps of two: a pair enters the
// history only when it is a user message followed by an assistant message.
// A misaligned pair is skipped without failing the request and without
// re-aligning subsequent indices.
func Normalize(messages []ChatMessage) (NormalizedRequest, error) {
	if len(messages) == 0 {
		return NormalizedRequest{}, validationErrorf("messages must not be empty")
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser {
		return NormalizedRequest{}, validationErrorf("the last message must have role %q, got %q", RoleUser, last.Role)
	}

	query := last.Content.Text()
	prev := messages[:len(messages)-1]

	if len(prev) > 0 && prev[0].Role == RoleSystem {
		query = fmt.Sprintf(systemPromptFormat, prev[0].Content.Text(), query)
		prev = prev[1:]
	}

	var history []HistoryTurn
	for i := 0; i+1 < len(prev); i += 2 {
		if prev[i].Role != RoleUser || prev[i+1].Role != RoleAssistant {
			continue
		}
		history = append(history, HistoryTurn{
			User:      prev[i].Content.Text(),
			Assistant: prev[i+1].Content.Text(),
		})
	}

	return NormalizedRequest{Query: query, History: history}, nil
}
