package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreGetOrCreate(t *testing.T) {
	st := NewSessionStore()
	s := st.GetOrCreate("D1")
	assert.Same(t, s, st.GetOrCreate("D1"))
	assert.Equal(t, unhydrated, s.hydration)
	assert.Equal(t, "", s.Content)
	assert.Equal(t, 1, st.Len())

	_, ok := st.Get("D2")
	assert.False(t, ok)
}

func TestSessionStoreRemoveRequiresIdle(t *testing.T) {
	st := NewSessionStore()
	s := st.GetOrCreate("D1")
	assert.False(t, st.Remove("D1"), "an unhydrated session is not idle")

	s.hydration = hydrated
	s.participants = []*Participant{{UserID: "A"}}
	assert.False(t, st.Remove("D1"))

	s.participants = nil
	s.dirty = true
	assert.False(t, st.Remove("D1"))

	s.dirty = false
	s.flush.inFlight = true
	assert.False(t, st.Remove("D1"))

	s.flush.inFlight = false
	require.True(t, st.Remove("D1"))
	assert.Zero(t, st.Len())
	assert.False(t, st.Remove("D1"))
}

func TestSessionStoreEachToleratesRemoval(t *testing.T) {
	st := NewSessionStore()
	for _, id := range []string{"D1", "D2", "D3"} {
		st.GetOrCreate(id).hydration = hydrated
	}

	var visited []string
	st.Each(func(s *DocumentSession) {
		visited = append(visited, s.DocumentID)
		if s.DocumentID == "D1" {
			st.Remove("D2")
		}
	})
	assert.Equal(t, []string{"D1", "D3"}, visited)
}

func TestParticipantsIsNeverNil(t *testing.T) {
	s := newDocumentSession("D1")
	assert.NotNil(t, s.Participants())
	assert.Empty(t, s.Participants())
}
