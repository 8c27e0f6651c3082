// Package backend defines the upstream chat backend contract shared by the
// relay core. A backend owns ephemeral upstream conversation sessions and
// answers single-shot queries either as a finished result or as a stream of
// tagged text fragments.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a backend implementation.
type Kind string

const (
	// KindAgent is the key-based Agent platform backend.
	KindAgent Kind = "agent"
	// KindIBit is the credential-based iBit platform backend.
	KindIBit Kind = "ibit"
)

// Session is an upstream-allocated conversation handle. It is valid only for
// the duration of one relay request and is exclusively owned by the session
// lifecycle manager.
type Session struct {
	// ID is the upstream conversation identifier.
	ID string
	// Kind names the backend that allocated the session.
	Kind Kind
	// CreatedAt records when the session was allocated.
	CreatedAt time.Time
}

// Channel tags which logical stream a text fragment belongs to.
type Channel string

const (
	// ChannelReasoning carries the model's reasoning trace.
	ChannelReasoning Channel = "reasoning"
	// ChannelAnswer carries the final answer text.
	ChannelAnswer Channel = "answer"
)

// StreamEvent is one demultiplexed text fragment from an upstream stream.
type StreamEvent struct {
	Channel Channel
	Text    string
}

// Result is a finished batch response.
type Result struct {
	Answer    string
	Reasoning string
}

// Backend is the polymorphic capability set every upstream adapter exposes.
// The orchestrator depends only on this interface, never on adapter fields.
type Backend interface {
	// Kind reports the adapter variant.
	Kind() Kind

	// CreateSession allocates a fresh upstream conversation.
	CreateSession(ctx context.Context) (Session, error)

	// QueryBatch submits text against the session and blocks until the
	// upstream finishes, returning the concatenated answer and reasoning.
	QueryBatch(ctx context.Context, session Session, text string) (Result, error)

	// QueryStream submits text against the session and returns a lazy, finite,
	// non-restartable event sequence. The events channel is closed when the
	// upstream stream ends; at most one error is delivered on the error
	// channel. The channel is bounded, so a slow consumer throttles the
	// upstream read.
	QueryStream(ctx context.Context, session Session, text string) (<-chan StreamEvent, <-chan error)

	// DestroySession releases the upstream conversation. Failures are
	// reported but callers treat them as best-effort.
	DestroySession(ctx context.Context, session Session) error
}

// ErrUpstreamUnavailable marks failures reaching or preparing an upstream:
// missing credentials, session-create failures, or persistent auth failures.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Unavailable wraps ErrUpstreamUnavailable with request-specific detail.
func Unavailable(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrUpstreamUnavailable)...)
}
