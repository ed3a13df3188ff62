package collab

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock *manualClock
	at    time.Duration
	f     func()
	done  bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due, kept []*manualTimer
	for _, t := range c.timers {
		switch {
		case t.done:
		case t.at <= c.now:
			t.done = true
			due = append(due, t)
		default:
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// memoryStore is a ContentStore whose loads and saves can be held open or failed.
type memoryStore struct {
	mu       sync.Mutex
	content  map[string]string
	loads    map[string]int
	attempts int
	saves    []string
	saveErr  error
	loadErr  error
	loadGate chan struct{}
	saveGate chan struct{}
}

func newMemoryStore(seed map[string]string) *memoryStore {
	content := map[string]string{}
	for k, v := range seed {
		content[k] = v
	}
	return &memoryStore{content: content, loads: map[string]int{}}
}

func (m *memoryStore) LoadContent(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	m.loads[id]++
	gate := m.loadGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return "", false, m.loadErr
	}
	content, ok := m.content[id]
	return content, ok, nil
}

func (m *memoryStore) SaveContent(_ context.Context, id, content string) error {
	m.mu.Lock()
	m.attempts++
	gate := m.saveGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.content[id] = content
	m.saves = append(m.saves, content)
	return nil
}

func (m *memoryStore) Saves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.saves...)
}

func (m *memoryStore) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *memoryStore) Loads(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[id]
}

func (m *memoryStore) Content(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.content[id]
}

func (m *memoryStore) SetLoadErr(err error) {
	m.mu.Lock()
	m.loadErr = err
	m.mu.Unlock()
}

func (m *memoryStore) SetSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// recordingConn keeps every frame sent to it.
type recordingConn struct {
	id     string
	mu     sync.Mutex
	frames []Frame
}

func newConn(id string) *recordingConn { return &recordingConn{id: id} }

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(frame Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *recordingConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

type harness struct {
	t       *testing.T
	gateway *Gateway
	store   *memoryStore
	clock   *manualClock
}

func newHarness(t *testing.T, store *memoryStore, opts Options) *harness {
	t.Helper()
	clock := &manualClock{}
	opts.Clock = clock
	g := NewGateway(store, zaptest.NewLogger(t), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{t: t, gateway: g, store: store, clock: clock}
}

func (h *harness) send(conn Conn, name string, payload any) {
	h.gateway.Dispatch(Event{Conn: conn, Name: name, Payload: payload})
}

func (h *harness) join(conn *recordingConn, documentID, userID, name string) {
	h.send(conn, EventJoin, JoinPayload{DocumentID: documentID, UserID: userID, Name: name})
}

func (h *harness) edit(conn Conn, documentID, content string) {
	h.send(conn, EventEdit, EditPayload{DocumentID: documentID, Content: content})
}

// barrier waits until every event dispatched so far has been handled.
func (h *harness) barrier() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.gateway.Do(ctx, func() {}))
}

func (h *harness) inspect(documentID string) (SessionInfo, bool) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, found, err := h.gateway.Inspect(ctx, documentID)
	require.NoError(h.t, err)
	return info, found
}

// waitFrames waits until conn has received n frames and returns them.
func (h *harness) waitFrames(conn *recordingConn, n int) []Frame {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(conn.Frames()) >= n }, 2*time.Second, 5*time.Millisecond,
		"connection %s expected %d frames", conn.id, n)
	return conn.Frames()
}

func userIDs(data any) []string {
	list, _ := data.([]Participant)
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.UserID)
	}
	return ids
}
