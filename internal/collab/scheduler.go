package collab

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"inkwell/api/internal/metrics"
)

// DefaultDebounce is the quiet period before dirty content is written.
const DefaultDebounce = 5 * time.Second

// SaveHook runs after a successful durable write, off the gateway loop.
// Hooks for one document run in write order and before the next write starts.
type SaveHook func(ctx context.Context, documentID, content string) error

// Scheduler debounces durable writes. Each session has at most one armed
// timer and at most one write in flight; a write always carries the content
// current when it starts, so writes for a document are never reordered.
type Scheduler struct {
	store    ContentStore
	clock    Clock
	log      *zap.Logger
	debounce time.Duration
	timeout  time.Duration
	hooks    []SaveHook

	post    func(func()) bool
	settled func(*DocumentSession)
}

func NewScheduler(store ContentStore, clock Clock, log *zap.Logger, debounce, timeout time.Duration, hooks ...SaveHook) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		store:    store,
		clock:    clock,
		log:      log,
		debounce: debounce,
		timeout:  timeout,
		hooks:    hooks,
	}
}

// MarkDirty supersedes any pending flush with a new one a full debounce
// interval from now, so a burst of edits produces one write of the latest content.
func (sc *Scheduler) MarkDirty(s *DocumentSession) {
	s.dirty = true
	sc.arm(s, sc.debounce)
}

// FlushNow cancels the pending flush and writes immediately.
func (sc *Scheduler) FlushNow(s *DocumentSession) {
	sc.cancel(s)
	sc.flush(s)
}

func (sc *Scheduler) arm(s *DocumentSession, after time.Duration) {
	sc.cancel(s)
	gen := s.flush.gen
	s.flush.timer = sc.clock.AfterFunc(after, func() {
		sc.post(func() {
			// a timer that fired while being superseded must not flush
			if s.flush.gen != gen {
				return
			}
			s.flush.timer = nil
			sc.flush(s)
		})
	})
}

func (sc *Scheduler) cancel(s *DocumentSession) {
	if s.flush.timer != nil {
		s.flush.timer.Stop()
		s.flush.timer = nil
	}
	s.flush.gen++
}

func (sc *Scheduler) flush(s *DocumentSession) {
	if !s.dirty {
		sc.settled(s)
		return
	}
	if s.flush.inFlight {
		s.flush.again = true
		return
	}
	s.flush.inFlight = true
	documentID, content, version := s.DocumentID, s.Content, s.version

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
		defer cancel()
		started := time.Now()
		err := sc.store.SaveContent(ctx, documentID, content)
		took := time.Since(started)
		if err == nil {
			sc.runHooks(documentID, content)
		}
		sc.post(func() { sc.complete(s, version, took, err) })
	}()
}

func (sc *Scheduler) complete(s *DocumentSession, version uint64, took time.Duration, err error) {
	s.flush.inFlight = false

	if err != nil {
		metrics.ObserveFlush("error", took)
		if s.flush.retry == nil {
			s.flush.retry = newRetryBackOff(sc.debounce)
		}
		delay := s.flush.retry.NextBackOff()
		sc.log.Warn("flush document failed, content stays dirty",
			zap.String("document_id", s.DocumentID),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		s.flush.again = false
		// a newer edit already re-armed the debounce and will retry
		if s.flush.timer == nil {
			sc.arm(s, delay)
		}
		return
	}

	metrics.ObserveFlush("ok", took)
	if s.flush.retry != nil {
		s.flush.retry.Reset()
	}
	s.savedVersion = version
	if s.version == version {
		s.dirty = false
	}

	if s.flush.again {
		s.flush.again = false
		sc.flush(s)
		return
	}
	sc.settled(s)
}

// runHooks is called from the write goroutine, which holds the session's
// single in-flight slot until it returns.
func (sc *Scheduler) runHooks(documentID, content string) {
	for _, hook := range sc.hooks {
		ctx, cancel := context.WithTimeout(context.Background(), sc.timeout)
		if err := hook(ctx, documentID, content); err != nil {
			sc.log.Warn("save hook failed", zap.String("document_id", documentID), zap.Error(err))
		}
		cancel()
	}
}

func newRetryBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
