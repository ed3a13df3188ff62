package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/metrics"
)

// ContentStore is the durable key-value store behind the sessions.
type ContentStore interface {
	// LoadContent reports found=false for a document that was never saved.
	LoadContent(ctx context.Context, documentID string) (content string, found bool, err error)
	SaveContent(ctx context.Context, documentID, content string) error
}

// Hydrator seeds a session's content from the durable store on first access.
// The session's hydration state is the per-document lock: a session moves
// unhydrated -> hydrating -> hydrated exactly once, so racing joins wait on
// the same load instead of issuing their own.
type Hydrator struct {
	store   ContentStore
	log     *zap.Logger
	timeout time.Duration

	post func(func()) bool
	done func(*DocumentSession)
}

func NewHydrator(store ContentStore, log *zap.Logger, timeout time.Duration) *Hydrator {
	return &Hydrator{store: store, log: log, timeout: timeout}
}

// Ensure reports whether the session is ready. Otherwise it starts the load
// (once) and the caller must queue its work until the session is hydrated.
func (h *Hydrator) Ensure(s *DocumentSession) bool {
	switch s.hydration {
	case hydrated:
		return true
	case hydrating:
		return false
	}
	s.hydration = hydrating
	go h.load(s)
	return false
}

func (h *Hydrator) load(s *DocumentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	content, found, err := h.store.LoadContent(ctx, s.DocumentID)
	switch {
	case err != nil:
		// treat as a new document rather than failing the join
		h.log.Warn("hydrate document failed, starting empty",
			zap.String("document_id", s.DocumentID), zap.Error(err))
		metrics.ObserveHydration("error")
		content = ""
	case !found:
		metrics.ObserveHydration("missing")
	default:
		metrics.ObserveHydration("ok")
	}

	h.post(func() {
		s.Content = content
		s.hydration = hydrated
		h.done(s)
	})
}
