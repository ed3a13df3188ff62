package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceJoinIsIdempotentPerUser(t *testing.T) {
	p := NewPresence(NewSessionStore())

	list := p.Join("D1", "c1", "A", "Ann")
	require.Len(t, list, 1)
	list = p.Join("D1", "c1", "A", "")
	require.Len(t, list, 1)
	assert.Equal(t, "Ann", list[0].DisplayName, "an empty name keeps the previous one")

	list = p.Join("D1", "c2", "B", "Bo")
	assert.Equal(t, []string{"A", "B"}, userIDs(list))
}

func TestPresenceCursorAndLeave(t *testing.T) {
	p := NewPresence(NewSessionStore())
	p.Join("D1", "c1", "A", "Ann")
	p.Join("D1", "c2", "B", "Bo")

	list, ok := p.UpdateCursor("D1", "B", 12)
	require.True(t, ok)
	assert.Equal(t, 12, list[1].CursorPosition)

	_, ok = p.UpdateCursor("D1", "ghost", 1)
	assert.False(t, ok)
	_, ok = p.UpdateCursor("D9", "A", 1)
	assert.False(t, ok)

	list, ok = p.Leave("D1", "c1", "A")
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, userIDs(list))
	_, ok = p.Leave("D1", "c1", "A")
	assert.False(t, ok)
}

func TestPresenceReturnsCopies(t *testing.T) {
	p := NewPresence(NewSessionStore())
	list := p.Join("D1", "c1", "A", "Ann")
	list[0].CursorPosition = 99

	list, _ = p.UpdateCursor("D1", "A", 1)
	assert.Equal(t, 1, list[0].CursorPosition)
}

func TestPresenceDisconnectAcrossSessions(t *testing.T) {
	p := NewPresence(NewSessionStore())
	p.Join("D1", "c1", "A", "Ann")
	p.Join("D1", "c2", "B", "Bo")
	p.Join("D2", "c1", "A", "Ann")
	p.Join("D3", "c2", "B", "Bo")

	departures := p.Disconnect("c1")
	require.Len(t, departures, 2)
	assert.Equal(t, "D1", departures[0].DocumentID)
	assert.Equal(t, []string{"B"}, userIDs(departures[0].Participants))
	assert.Equal(t, "D2", departures[1].DocumentID)
	assert.Empty(t, departures[1].Participants)

	assert.Empty(t, p.Disconnect("c1"))
}

func TestPresenceKeepsUserWhileAnyConnectionRemains(t *testing.T) {
	p := NewPresence(NewSessionStore())
	p.Join("D1", "tab1", "A", "Ann")
	p.Join("D1", "tab2", "A", "Ann")

	assert.Empty(t, p.Disconnect("tab2"), "tab1 still holds the user")
	list, ok := p.UpdateCursor("D1", "A", 3)
	require.True(t, ok)
	assert.Len(t, list, 1)

	p.Join("D1", "tab3", "A", "Ann")
	list, changed := p.Leave("D1", "tab3", "A")
	assert.False(t, changed)
	assert.Equal(t, []string{"A"}, userIDs(list))

	departures := p.Disconnect("tab1")
	require.Len(t, departures, 1)
	assert.Empty(t, departures[0].Participants)
}

func TestPresenceLeaveFromUnboundConnectionRemovesUser(t *testing.T) {
	p := NewPresence(NewSessionStore())
	p.Join("D1", "tab1", "A", "Ann")
	p.Join("D1", "tab2", "A", "Ann")

	list, changed := p.Leave("D1", "", "A")
	assert.True(t, changed)
	assert.Empty(t, list)
}
