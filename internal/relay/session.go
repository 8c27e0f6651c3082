package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teclab-ai/bitrelay/internal/backend"
)

// destroyTimeout bounds the best-effort session teardown so a stalling
// upstream never blocks the client response indefinitely.
const destroyTimeout = 5 * time.Second

// WithSession creates an upstream session, invokes body exactly once with it,
// and guarantees the session is destroyed on every exit path: normal return,
// error, or cancellation. Destroy failures are logged and swallowed — an
// orphaned upstream session is an accepted cost. If session creation fails,
// body is never invoked and the failure surfaces as an upstream-unavailable
// error.
func WithSession(ctx context.Context, b backend.Backend, body func(backend.Session) error) error {
	session, err := b.CreateSession(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrUpstreamUnavailable) {
			return err
		}
		return fmt.Errorf("create %s session: %v: %w", b.Kind(), err, backend.ErrUpstreamUnavailable)
	}

	defer func() {
		// Teardown runs on a detached context so a client disconnect cannot
		// skip cleanup, bounded to keep it best-effort.
		dctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if errDestroy := b.DestroySession(dctx, session); errDestroy != nil {
			log.WithFields(log.Fields{
				"backend": string(session.Kind),
				"session": session.ID,
			}).Warnf("failed to destroy upstream session: %v", errDestroy)
		}
	}()

	return body(session)
}
