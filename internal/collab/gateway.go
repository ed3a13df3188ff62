// Package collab is the real-time document session engine: presence,
// last-writer-wins content broadcast, a shared undo/redo history and
// debounced persistence, all driven by a single event loop.
package collab

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/metrics"
)

// ErrStopped is returned once the gateway is shutting down or its loop has exited.
var ErrStopped = errors.New("collab gateway stopped")

// Handler processes one inbound event type. Handlers run on the gateway
// loop, one at a time and to completion.
type Handler interface {
	Handle(g *Gateway, ev Event)
}

type HandlerFunc func(g *Gateway, ev Event)

func (f HandlerFunc) Handle(g *Gateway, ev Event) { f(g, ev) }

type Options struct {
	Clock        Clock
	Debounce     time.Duration
	HistoryLimit int
	LoadTimeout  time.Duration
	SaveTimeout  time.Duration
	SaveHooks    []SaveHook
	InboxSize    int
}

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	DocumentID   string        `json:"documentId"`
	Participants []Participant `json:"participants"`
	Dirty        bool          `json:"dirty"`
	CanUndo      bool          `json:"canUndo"`
	CanRedo      bool          `json:"canRedo"`
}

// Gateway maps protocol events onto the session components and decides who
// receives the results: the sender, the room, or the room minus the sender.
type Gateway struct {
	log       *zap.Logger
	sessions  *SessionStore
	hydrator  *Hydrator
	presence  *Presence
	history   *History
	scheduler *Scheduler
	handlers  map[string]Handler

	inbox   chan func()
	stopped chan struct{}
	drained []chan struct{}

	// closing rejects new work from callers; draining is its loop-owned
	// twin, set by the first Shutdown, and catches events already queued.
	closing  atomic.Bool
	draining bool
}

func NewGateway(store ContentStore, log *zap.Logger, opts Options) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}

	sessions := NewSessionStore()
	g := &Gateway{
		log:       log,
		sessions:  sessions,
		hydrator:  NewHydrator(store, log, opts.LoadTimeout),
		presence:  NewPresence(sessions),
		history:   NewHistory(opts.HistoryLimit),
		scheduler: NewScheduler(store, opts.Clock, log, opts.Debounce, opts.SaveTimeout, opts.SaveHooks...),
		inbox:     make(chan func(), opts.InboxSize),
		stopped:   make(chan struct{}),
	}
	g.hydrator.post, g.hydrator.done = g.post, g.onHydrated
	g.scheduler.post, g.scheduler.settled = g.post, g.settled

	g.handlers = map[string]Handler{
		EventJoin:         HandlerFunc(handleJoin),
		EventUpdateCursor: HandlerFunc(handleUpdateCursor),
		EventEdit:         HandlerFunc(handleEdit),
		EventUndo:         HandlerFunc(handleUndo),
		EventRedo:         HandlerFunc(handleRedo),
		EventLeave:        HandlerFunc(handleLeave),
		eventDisconnect:   HandlerFunc(handleDisconnect),
	}
	return g
}

// Run processes events until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	defer close(g.stopped)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-g.inbox:
			g.run(fn)
		}
	}
}

func (g *Gateway) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("collab handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// post enqueues fn on the loop. It must never be called from the loop itself.
func (g *Gateway) post(fn func()) bool {
	select {
	case <-g.stopped:
		return false
	default:
	}
	select {
	case g.inbox <- fn:
		return true
	case <-g.stopped:
		return false
	}
}

// Dispatch queues a decoded inbound event. Events are applied in the order
// they are dispatched. Once Shutdown has begun it returns ErrStopped.
func (g *Gateway) Dispatch(ev Event) error {
	if g.closing.Load() {
		return ErrStopped
	}
	metrics.ObserveEvent(ev.Name)
	ok := g.post(func() {
		if g.draining {
			g.log.Debug("event dropped during shutdown", zap.String("event", ev.Name))
			return
		}
		g.dispatch(ev)
	})
	if !ok {
		return ErrStopped
	}
	return nil
}

// Disconnect removes the connection from every session it had joined. It is
// accepted during shutdown so closing sockets still release their sessions.
func (g *Gateway) Disconnect(conn Conn) {
	metrics.ObserveEvent(eventDisconnect)
	g.post(func() { g.dispatch(Event{Conn: conn, Name: eventDisconnect}) })
}

// Do runs fn on the loop and waits for it to finish.
func (g *Gateway) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !g.post(func() { defer close(done); fn() }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		return ErrStopped
	}
}

// SubmitContent replaces a document's content on behalf of the service. Live
// rooms receive the update and the change joins the shared history; documents
// without a session are hydrated, edited and flushed right away.
func (g *Gateway) SubmitContent(ctx context.Context, documentID, content string) error {
	if g.closing.Load() {
		return ErrStopped
	}
	rejected := false
	err := g.Do(ctx, func() {
		if g.draining {
			rejected = true
			return
		}
		s := g.sessions.GetOrCreate(documentID)
		ev := Event{Name: EventEdit, Payload: EditPayload{DocumentID: documentID, Content: content}}
		if !g.hydrator.Ensure(s) {
			s.deferred = append(s.deferred, ev)
			return
		}
		g.dispatch(ev)
		g.release(s)
	})
	if err == nil && rejected {
		err = ErrStopped
	}
	return err
}

// Inspect returns a view of the live session for documentID.
func (g *Gateway) Inspect(ctx context.Context, documentID string) (SessionInfo, bool, error) {
	var (
		info  SessionInfo
		found bool
	)
	err := g.Do(ctx, func() {
		s, ok := g.sessions.Get(documentID)
		if !ok {
			return
		}
		found = true
		info = SessionInfo{
			DocumentID:   s.DocumentID,
			Participants: s.Participants(),
			Dirty:        s.Dirty(),
			CanUndo:      s.CanUndo(),
			CanRedo:      s.CanRedo(),
		}
	})
	return info, found, err
}

// Shutdown stops accepting events and edits, flushes every dirty session and
// waits for the writes to land. Disconnects are still processed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.closing.Store(true)
	drained := make(chan struct{})
	err := g.Do(ctx, func() {
		g.draining = true
		g.drained = append(g.drained, drained)
		g.sessions.Each(func(s *DocumentSession) {
			if s.dirty {
				g.scheduler.FlushNow(s)
			}
		})
		g.checkDrained()
	})
	if err != nil {
		return err
	}
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) dispatch(ev Event) {
	h, ok := g.handlers[ev.Name]
	if !ok {
		g.log.Debug("no handler for event", zap.String("event", ev.Name))
		return
	}
	// preserve per-document order while the first load is in flight
	if documentID := documentOf(ev.Payload); documentID != "" {
		if s, ok := g.sessions.Get(documentID); ok && s.hydration != hydrated {
			s.deferred = append(s.deferred, ev)
			return
		}
	}
	h.Handle(g, ev)
}

func (g *Gateway) onHydrated(s *DocumentSession) {
	pending := s.deferred
	s.deferred = nil
	for _, ev := range pending {
		g.dispatch(ev)
	}
	// edits accepted before shutdown must not wait out the debounce
	if g.draining && s.dirty {
		g.scheduler.FlushNow(s)
	}
	g.release(s)
	g.checkDrained()
}

// release tears the session down once nobody is left in it: the final flush
// goes out first and eviction follows when it settles.
func (g *Gateway) release(s *DocumentSession) {
	if len(s.participants) > 0 {
		return
	}
	g.scheduler.FlushNow(s)
}

func (g *Gateway) settled(s *DocumentSession) {
	if len(s.participants) == 0 {
		if current, ok := g.sessions.Get(s.DocumentID); ok && current == s {
			if g.sessions.Remove(s.DocumentID) {
				s.conns = make(map[string]Conn)
				g.log.Debug("session evicted", zap.String("document_id", s.DocumentID))
			}
		}
	}
	g.checkDrained()
}

func (g *Gateway) checkDrained() {
	if len(g.drained) == 0 {
		return
	}
	pending := false
	g.sessions.Each(func(s *DocumentSession) {
		if s.dirty || s.flush.inFlight || s.hydration == hydrating {
			pending = true
		}
	})
	if !pending {
		for _, ch := range g.drained {
			close(ch)
		}
		g.drained = nil
	}
}

func (g *Gateway) toRoom(s *DocumentSession, frame Frame) {
	g.toRoomExcept(s, nil, frame)
}

func (g *Gateway) toRoomExcept(s *DocumentSession, sender Conn, frame Frame) {
	for id, conn := range s.conns {
		if sender != nil && id == sender.ID() {
			continue
		}
		conn.Send(frame)
	}
}

func handleJoin(g *Gateway, ev Event) {
	p := ev.Payload.(JoinPayload)
	s := g.sessions.GetOrCreate(p.DocumentID)
	if !g.hydrator.Ensure(s) {
		s.deferred = append(s.deferred, ev)
		return
	}
	s.conns[ev.Conn.ID()] = ev.Conn
	list := g.presence.Join(p.DocumentID, ev.Conn.ID(), p.UserID, p.Name)

	ev.Conn.Send(Frame{Event: EventLoadDocument, Data: s.Content})
	g.toRoom(s, Frame{Event: EventActiveUsers, Data: list})
	g.log.Info("user joined document",
		zap.String("document_id", p.DocumentID),
		zap.String("user_id", p.UserID),
		zap.String("connection_id", ev.Conn.ID()))
}

func handleUpdateCursor(g *Gateway, ev Event) {
	p := ev.Payload.(CursorPayload)
	list, ok := g.presence.UpdateCursor(p.DocumentID, p.UserID, p.Position)
	if !ok {
		return
	}
	s, _ := g.sessions.Get(p.DocumentID)
	g.toRoom(s, Frame{Event: EventCursorMove, Data: list})
}

func handleEdit(g *Gateway, ev Event) {
	p := ev.Payload.(EditPayload)
	s, ok := g.sessions.Get(p.DocumentID)
	if !ok {
		return
	}
	g.history.ApplyEdit(s, p.Content)
	g.scheduler.MarkDirty(s)
	g.toRoomExcept(s, ev.Conn, Frame{Event: EventDocumentUpdated, Data: s.Content})
}

func handleUndo(g *Gateway, ev Event) {
	p := ev.Payload.(HistoryPayload)
	s, ok := g.sessions.Get(p.DocumentID)
	if !ok || !g.history.Undo(s) {
		return
	}
	g.scheduler.MarkDirty(s)
	g.toRoom(s, Frame{Event: EventDocumentUpdated, Data: s.Content})
}

func handleRedo(g *Gateway, ev Event) {
	p := ev.Payload.(HistoryPayload)
	s, ok := g.sessions.Get(p.DocumentID)
	if !ok || !g.history.Redo(s) {
		return
	}
	g.scheduler.MarkDirty(s)
	g.toRoom(s, Frame{Event: EventDocumentUpdated, Data: s.Content})
}

func handleLeave(g *Gateway, ev Event) {
	p := ev.Payload.(LeavePayload)
	s, ok := g.sessions.Get(p.DocumentID)
	if !ok {
		return
	}
	connID := ""
	if ev.Conn != nil {
		connID = ev.Conn.ID()
	}
	list, changed := g.presence.Leave(p.DocumentID, connID, p.UserID)
	if changed {
		g.toRoom(s, Frame{Event: EventActiveUsers, Data: list})
	}
	if connID != "" && !s.connInUse(connID) {
		delete(s.conns, connID)
	}
	if !changed {
		return
	}
	g.log.Info("user left document",
		zap.String("document_id", p.DocumentID),
		zap.String("user_id", p.UserID))
	g.release(s)
}

func handleDisconnect(g *Gateway, ev Event) {
	connID := ev.Conn.ID()
	departures := g.presence.Disconnect(connID)
	g.sessions.Each(func(s *DocumentSession) {
		delete(s.conns, connID)
		kept := s.deferred[:0]
		for _, pending := range s.deferred {
			if pending.Conn != nil && pending.Conn.ID() == connID {
				continue
			}
			kept = append(kept, pending)
		}
		s.deferred = kept
	})
	for _, d := range departures {
		s, ok := g.sessions.Get(d.DocumentID)
		if !ok {
			continue
		}
		g.toRoom(s, Frame{Event: EventActiveUsers, Data: d.Participants})
		g.release(s)
	}
	g.log.Info("connection closed", zap.String("connection_id", connID), zap.Int("documents", len(departures)))
}
