package collab

import (
	"github.com/cenkalti/backoff"

	"inkwell/api/internal/metrics"
)

type hydrationState int

const (
	unhydrated hydrationState = iota
	hydrating
	hydrated
)

// Participant is one user present in a document session. A user joined from
// several connections stays present until the last of them is gone.
type Participant struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"name"`
	CursorPosition int    `json:"cursorPosition"`

	connections []string
}

func (p *Participant) boundTo(connectionID string) bool {
	for _, id := range p.connections {
		if id == connectionID {
			return true
		}
	}
	return false
}

func (p *Participant) bind(connectionID string) {
	if !p.boundTo(connectionID) {
		p.connections = append(p.connections, connectionID)
	}
}

// unbind drops connectionID and reports whether any connection is left.
func (p *Participant) unbind(connectionID string) bool {
	for i, id := range p.connections {
		if id == connectionID {
			p.connections = append(p.connections[:i:i], p.connections[i+1:]...)
			break
		}
	}
	return len(p.connections) > 0
}

// flushState tracks the single scheduled and the single in-flight write of a session.
type flushState struct {
	timer    Timer
	gen      uint64
	inFlight bool
	again    bool
	retry    *backoff.ExponentialBackOff
}

// DocumentSession is the in-memory collaborative state of one document.
// It is only touched from the gateway loop.
type DocumentSession struct {
	DocumentID string
	Content    string

	undo []string
	redo []string

	participants []*Participant
	conns        map[string]Conn

	// version increments on every content mutation; savedVersion is the
	// version of the last successful durable write.
	version      uint64
	savedVersion uint64
	dirty        bool
	flush        flushState

	hydration hydrationState
	deferred  []Event
}

func newDocumentSession(documentID string) *DocumentSession {
	return &DocumentSession{
		DocumentID: documentID,
		conns:      make(map[string]Conn),
	}
}

// Dirty reports whether content differs from the last durably saved value.
func (s *DocumentSession) Dirty() bool { return s.dirty }

// CanUndo and CanRedo report whether the history stacks hold snapshots.
func (s *DocumentSession) CanUndo() bool { return len(s.undo) > 0 }
func (s *DocumentSession) CanRedo() bool { return len(s.redo) > 0 }

// Participants returns a copy of the presence list in join order.
func (s *DocumentSession) Participants() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		c := *p
		c.connections = append([]string(nil), p.connections...)
		out = append(out, c)
	}
	return out
}

// connInUse reports whether any participant is still bound to connectionID.
func (s *DocumentSession) connInUse(connectionID string) bool {
	for _, p := range s.participants {
		if p.boundTo(connectionID) {
			return true
		}
	}
	return false
}

func (s *DocumentSession) participant(userID string) (*Participant, int) {
	for i, p := range s.participants {
		if p.UserID == userID {
			return p, i
		}
	}
	return nil, -1
}

// idle reports whether the session can be evicted without losing state.
func (s *DocumentSession) idle() bool {
	return len(s.participants) == 0 &&
		len(s.deferred) == 0 &&
		s.hydration == hydrated &&
		!s.dirty &&
		!s.flush.inFlight &&
		s.flush.timer == nil
}

// SessionStore holds one DocumentSession per active document id.
type SessionStore struct {
	sessions map[string]*DocumentSession
	order    []string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*DocumentSession)}
}

// GetOrCreate returns the session for documentID, creating an unhydrated one if absent.
func (st *SessionStore) GetOrCreate(documentID string) *DocumentSession {
	if s, ok := st.sessions[documentID]; ok {
		return s
	}
	s := newDocumentSession(documentID)
	st.sessions[documentID] = s
	st.order = append(st.order, documentID)
	metrics.SessionOpened()
	return s
}

func (st *SessionStore) Get(documentID string) (*DocumentSession, bool) {
	s, ok := st.sessions[documentID]
	return s, ok
}

// Remove drops the session state. It refuses while participants or writes remain.
func (st *SessionStore) Remove(documentID string) bool {
	s, ok := st.sessions[documentID]
	if !ok || !s.idle() {
		return false
	}
	delete(st.sessions, documentID)
	for i, id := range st.order {
		if id == documentID {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	metrics.SessionClosed()
	return true
}

// Each visits sessions in creation order. Sessions removed by fn are skipped;
// sessions created by fn are not visited.
func (st *SessionStore) Each(fn func(*DocumentSession)) {
	ids := append([]string(nil), st.order...)
	for _, id := range ids {
		if s, ok := st.sessions[id]; ok {
			fn(s)
		}
	}
}

func (st *SessionStore) Len() int { return len(st.sessions) }
