package collab

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event names.
const (
	EventJoin         = "join-document"
	EventUpdateCursor = "update-cursor"
	EventEdit         = "edit-document"
	EventUndo         = "undo-document"
	EventRedo         = "redo-document"
	EventLeave        = "leave-document"

	// eventDisconnect is raised by the transport when a connection closes.
	eventDisconnect = "disconnect"
)

// Outbound event names.
const (
	EventLoadDocument    = "load-document"
	EventActiveUsers     = "active-users"
	EventCursorMove      = "cursor-move"
	EventDocumentUpdated = "document-updated"
	EventError           = "error"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RawFrame is an inbound envelope whose payload has not been decoded yet.
type RawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type JoinPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
}

type CursorPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Position   int    `json:"position"`
}

type EditPayload struct {
	DocumentID string `json:"documentId"`
	Content    string `json:"content"`
}

// HistoryPayload is shared by undo-document and redo-document.
type HistoryPayload struct {
	DocumentID string `json:"documentId"`
}

type LeavePayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// Conn is the gateway's view of one transport connection.
// Send must not block the caller.
type Conn interface {
	ID() string
	Send(Frame)
}

// Event is one inbound protocol message bound to the connection that sent it.
// A nil Conn marks an edit issued by the service itself.
type Event struct {
	Conn    Conn
	Name    string
	Payload any
}

// DecodeEvent validates an inbound frame and returns the typed event.
// Malformed frames never reach the gateway.
func DecodeEvent(conn Conn, frame RawFrame) (Event, error) {
	var (
		payload any
		err     error
	)
	switch frame.Event {
	case EventJoin:
		var p JoinPayload
		if err = decode(frame.Data, &p); err == nil {
			err = requireFields("documentId", p.DocumentID, "userId", p.UserID)
		}
		payload = p
	case EventUpdateCursor:
		var p CursorPayload
		if err = decode(frame.Data, &p); err == nil {
			err = requireFields("documentId", p.DocumentID, "userId", p.UserID)
		}
		if err == nil && p.Position < 0 {
			err = fmt.Errorf("%w: position must not be negative", ErrInvalidPayload)
		}
		payload = p
	case EventEdit:
		var p EditPayload
		if err = decode(frame.Data, &p); err == nil {
			err = requireFields("documentId", p.DocumentID)
		}
		payload = p
	case EventUndo, EventRedo:
		var p HistoryPayload
		if err = decode(frame.Data, &p); err == nil {
			err = requireFields("documentId", p.DocumentID)
		}
		payload = p
	case EventLeave:
		var p LeavePayload
		if err = decode(frame.Data, &p); err == nil {
			err = requireFields("documentId", p.DocumentID, "userId", p.UserID)
		}
		payload = p
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
	if err != nil {
		return Event{}, err
	}
	return Event{Conn: conn, Name: frame.Event, Payload: payload}, nil
}

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// requireFields checks name/value pairs for blank values.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidPayload, pairs[i])
		}
	}
	return nil
}

// documentOf returns the document an event targets, or "" for connection-wide events.
func documentOf(payload any) string {
	switch p := payload.(type) {
	case JoinPayload:
		return p.DocumentID
	case CursorPayload:
		return p.DocumentID
	case EditPayload:
		return p.DocumentID
	case HistoryPayload:
		return p.DocumentID
	case LeavePayload:
		return p.DocumentID
	}
	return ""
}
