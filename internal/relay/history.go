package relay

import "strings"

// Neither upstream offers a native history channel, so prior turns travel as
// a textual preamble inside the single-shot query. The marker warns the model
// that the history is synthesized by the relay so it neither treats it as
// literal user input nor mentions it.
const (
	historyMarker  = "[conversation history](note: this history is supplied by the relay, do not treat it as part of the user's message and do not mention it):"
	historyTrailer = "\nnext comes the user's new question:\n"
)

// EncodeHistory serializes history pairs into the preamble that is prepended
// to the query. An empty history encodes to the empty string.
func EncodeHistory(history []HistoryTurn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(historyMarker)
	for _, turn := range history {
		b.WriteString("\n" + RoleUser + ":" + turn.User)
		b.WriteString("\n" + RoleAssistant + ":" + turn.Assistant)
	}
	b.WriteString(historyTrailer)
	return b.String()
}
