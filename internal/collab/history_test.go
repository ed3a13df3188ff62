package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hydratedSession(content string) *DocumentSession {
	s := newDocumentSession("D1")
	s.Content = content
	s.hydration = hydrated
	return s
}

func TestHistoryUndoRedoWalk(t *testing.T) {
	h := NewHistory(0)
	s := hydratedSession("v0")

	h.ApplyEdit(s, "v1")
	h.ApplyEdit(s, "v2")
	assert.Equal(t, []string{"v0", "v1"}, s.undo)
	assert.True(t, s.Dirty())

	require.True(t, h.Undo(s))
	assert.Equal(t, "v1", s.Content)
	require.True(t, h.Undo(s))
	assert.Equal(t, "v0", s.Content)
	assert.False(t, h.Undo(s))
	assert.Equal(t, "v0", s.Content)

	require.True(t, h.Redo(s))
	require.True(t, h.Redo(s))
	assert.Equal(t, "v2", s.Content)
	assert.False(t, h.Redo(s))
}

func TestHistoryEditClearsRedo(t *testing.T) {
	h := NewHistory(0)
	s := hydratedSession("v0")
	h.ApplyEdit(s, "v1")
	require.True(t, h.Undo(s))
	require.True(t, s.CanRedo())

	h.ApplyEdit(s, "v2")
	assert.False(t, s.CanRedo())
	assert.Equal(t, []string{"v0"}, s.undo)
}

func TestHistoryIdenticalEditStillRecorded(t *testing.T) {
	h := NewHistory(0)
	s := hydratedSession("same")
	h.ApplyEdit(s, "same")
	assert.True(t, s.CanUndo())
	assert.Equal(t, uint64(1), s.version)
}

func TestHistoryVersionCountsMutations(t *testing.T) {
	h := NewHistory(0)
	s := hydratedSession("")
	h.ApplyEdit(s, "a")
	h.Undo(s)
	h.Redo(s)
	h.Undo(s)
	h.Undo(s) // no-op
	assert.Equal(t, uint64(4), s.version)
}

func TestHistoryLimitDropsOldest(t *testing.T) {
	h := NewHistory(2)
	s := hydratedSession("v0")
	for _, c := range []string{"v1", "v2", "v3"} {
		h.ApplyEdit(s, c)
	}
	assert.Equal(t, []string{"v1", "v2"}, s.undo)

	require.True(t, h.Undo(s))
	require.True(t, h.Undo(s))
	assert.False(t, h.Undo(s))
	assert.Equal(t, "v1", s.Content)
}

func TestNegativeHistoryLimitIsUnbounded(t *testing.T) {
	h := NewHistory(-1)
	s := hydratedSession("")
	for i := 0; i < 10; i++ {
		h.ApplyEdit(s, string(rune('a'+i)))
	}
	assert.Len(t, s.undo, 10)
}
