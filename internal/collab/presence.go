package collab

import "inkwell/api/internal/metrics"

// Departure is the presence left behind in one document after a connection closed.
type Departure struct {
	DocumentID   string
	Participants []Participant
}

// Presence tracks connected participants and cursor positions per session.
// Broadcasting the returned lists is the gateway's job.
type Presence struct {
	sessions *SessionStore
}

func NewPresence(sessions *SessionStore) *Presence {
	return &Presence{sessions: sessions}
}

// Join adds the user to the document unless already present. A repeat join
// from another connection binds that connection too and refreshes the
// display name.
func (p *Presence) Join(documentID, connectionID, userID, displayName string) []Participant {
	s := p.sessions.GetOrCreate(documentID)
	if existing, _ := s.participant(userID); existing != nil {
		existing.bind(connectionID)
		if displayName != "" {
			existing.DisplayName = displayName
		}
		return s.Participants()
	}
	s.participants = append(s.participants, &Participant{
		UserID:      userID,
		DisplayName: displayName,
		connections: []string{connectionID},
	})
	metrics.ParticipantsChanged(1)
	return s.Participants()
}

// UpdateCursor moves a participant's cursor. It reports false when the
// document or participant is unknown.
func (p *Presence) UpdateCursor(documentID, userID string, position int) ([]Participant, bool) {
	s, ok := p.sessions.Get(documentID)
	if !ok {
		return nil, false
	}
	participant, _ := s.participant(userID)
	if participant == nil {
		return nil, false
	}
	participant.CursorPosition = position
	return s.Participants(), true
}

// Leave detaches connectionID from the user. The user is removed once no
// connection is left, or at once when connectionID was never bound to them.
// It reports whether the presence list changed.
func (p *Presence) Leave(documentID, connectionID, userID string) ([]Participant, bool) {
	s, ok := p.sessions.Get(documentID)
	if !ok {
		return nil, false
	}
	participant, idx := s.participant(userID)
	if participant == nil {
		return nil, false
	}
	if connectionID != "" && participant.boundTo(connectionID) && participant.unbind(connectionID) {
		return s.Participants(), false
	}
	s.participants = append(s.participants[:idx], s.participants[idx+1:]...)
	metrics.ParticipantsChanged(-1)
	return s.Participants(), true
}

// Disconnect unbinds connectionID everywhere. Participants with no connection
// left are removed; a departure is reported for each session that lost one.
func (p *Presence) Disconnect(connectionID string) []Departure {
	var departures []Departure
	p.sessions.Each(func(s *DocumentSession) {
		kept := s.participants[:0]
		removed := 0
		for _, participant := range s.participants {
			if participant.boundTo(connectionID) && !participant.unbind(connectionID) {
				removed++
				continue
			}
			kept = append(kept, participant)
		}
		for i := len(kept); i < len(s.participants); i++ {
			s.participants[i] = nil
		}
		s.participants = kept
		if removed == 0 {
			return
		}
		metrics.ParticipantsChanged(-removed)
		departures = append(departures, Departure{DocumentID: s.DocumentID, Participants: s.Participants()})
	})
	return departures
}
