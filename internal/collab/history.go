package collab

// History applies edits and walks the shared linear undo/redo history of a
// session. Any participant's undo may revert another participant's edit.
type History struct {
	// limit caps each stack; zero keeps every snapshot.
	limit int
}

func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit}
}

// ApplyEdit replaces the content, recording the previous value for undo.
// Redo history is discarded because it no longer follows from the new content.
func (h *History) ApplyEdit(s *DocumentSession, content string) {
	s.undo = h.push(s.undo, s.Content)
	s.redo = nil
	h.set(s, content)
}

// Undo restores the most recent undo snapshot. It reports false and leaves
// the session untouched when there is nothing to undo.
func (h *History) Undo(s *DocumentSession) bool {
	if len(s.undo) == 0 {
		return false
	}
	last := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = h.push(s.redo, s.Content)
	h.set(s, last)
	return true
}

// Redo is the mirror of Undo.
func (h *History) Redo(s *DocumentSession) bool {
	if len(s.redo) == 0 {
		return false
	}
	last := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = h.push(s.undo, s.Content)
	h.set(s, last)
	return true
}

func (h *History) set(s *DocumentSession, content string) {
	s.Content = content
	s.version++
	s.dirty = true
}

func (h *History) push(stack []string, snapshot string) []string {
	stack = append(stack, snapshot)
	if h.limit > 0 && len(stack) > h.limit {
		// drop the oldest snapshots without pinning the old backing array
		stack = append([]string(nil), stack[len(stack)-h.limit:]...)
	}
	return stack
}
