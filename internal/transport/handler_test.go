package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
)

type memoryStore struct {
	mu      sync.Mutex
	content map[string]string
}

func (m *memoryStore) LoadContent(_ context.Context, id string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.content[id]
	return c, ok, nil
}

func (m *memoryStore) SaveContent(_ context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[id] = content
	return nil
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wireParticipant struct {
	UserID         string `json:"userId"`
	Name           string `json:"name"`
	CursorPosition int    `json:"cursorPosition"`
}

func startServer(t *testing.T, secret string) string {
	t.Helper()
	url, _ := startHandler(t, secret)
	return url
}

func startHandler(t *testing.T, secret string) (string, *Handler) {
	t.Helper()
	store := &memoryStore{content: map[string]string{"doc-1": "Hello"}}
	gateway := collab.NewGateway(store, zaptest.NewLogger(t), collab.Options{Debounce: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gateway.Run(ctx)
	}()

	handler := NewHandler(gateway, secret, 16, zap.NewNop())
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return "ws" + strings.TrimPrefix(server.URL, "http"), handler
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func read(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func readString(t *testing.T, conn *websocket.Conn, event string) string {
	t.Helper()
	frame := read(t, conn)
	require.Equal(t, event, frame.Event)
	var s string
	require.NoError(t, json.Unmarshal(frame.Data, &s))
	return s
}

func readUsers(t *testing.T, conn *websocket.Conn, event string) []wireParticipant {
	t.Helper()
	frame := read(t, conn)
	require.Equal(t, event, frame.Event)
	var users []wireParticipant
	require.NoError(t, json.Unmarshal(frame.Data, &users))
	return users
}

func userIDs(users []wireParticipant) []string {
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.UserID)
	}
	return ids
}

func TestJoinEditAndDisconnectOverWebSocket(t *testing.T) {
	url := startServer(t, "")
	a := dial(t, url, nil)
	b := dial(t, url, nil)

	send(t, a, collab.EventJoin, map[string]any{"documentId": "doc-1", "userId": "u1", "name": "Ann"})
	assert.Equal(t, "Hello", readString(t, a, collab.EventLoadDocument))
	assert.Equal(t, []string{"u1"}, userIDs(readUsers(t, a, collab.EventActiveUsers)))

	send(t, b, collab.EventJoin, map[string]any{"documentId": "doc-1", "userId": "u2", "name": "Bo"})
	assert.Equal(t, "Hello", readString(t, b, collab.EventLoadDocument))
	assert.Equal(t, []string{"u1", "u2"}, userIDs(readUsers(t, b, collab.EventActiveUsers)))
	assert.Equal(t, []string{"u1", "u2"}, userIDs(readUsers(t, a, collab.EventActiveUsers)))

	send(t, a, collab.EventEdit, map[string]any{"documentId": "doc-1", "content": "Hello World"})
	assert.Equal(t, "Hello World", readString(t, b, collab.EventDocumentUpdated))

	// the editor gets no echo, so its next frame is the undo result
	send(t, a, collab.EventUndo, map[string]any{"documentId": "doc-1"})
	assert.Equal(t, "Hello", readString(t, a, collab.EventDocumentUpdated))
	assert.Equal(t, "Hello", readString(t, b, collab.EventDocumentUpdated))

	send(t, b, collab.EventUpdateCursor, map[string]any{"documentId": "doc-1", "userId": "u2", "position": 3})
	users := readUsers(t, a, collab.EventCursorMove)
	require.Len(t, users, 2)
	assert.Equal(t, 3, users[1].CursorPosition)
	readUsers(t, b, collab.EventCursorMove)

	require.NoError(t, b.Close())
	assert.Equal(t, []string{"u1"}, userIDs(readUsers(t, a, collab.EventActiveUsers)))
}

func TestMalformedFramesGetErrorFrames(t *testing.T) {
	url := startServer(t, "")
	conn := dial(t, url, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, collab.EventError, read(t, conn).Event)

	send(t, conn, "delete-everything", map[string]any{})
	assert.Equal(t, collab.EventError, read(t, conn).Event)

	send(t, conn, collab.EventJoin, map[string]any{"documentId": "doc-1"})
	assert.Equal(t, collab.EventError, read(t, conn).Event)

	// the connection is still usable afterwards
	send(t, conn, collab.EventJoin, map[string]any{"documentId": "doc-1", "userId": "u1"})
	assert.Equal(t, "Hello", readString(t, conn, collab.EventLoadDocument))
}

func TestTokenIdentityOverridesPayload(t *testing.T) {
	url := startServer(t, "secret")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.IssueToken([]byte("secret"), auth.Identity{UserID: "real-user", Name: "Real"}, time.Hour)
	require.NoError(t, err)
	conn := dial(t, url+"?token="+token, nil)

	send(t, conn, collab.EventJoin, map[string]any{"documentId": "doc-1", "userId": "spoofed", "name": "Mallory"})
	readString(t, conn, collab.EventLoadDocument)
	users := readUsers(t, conn, collab.EventActiveUsers)
	require.Len(t, users, 1)
	assert.Equal(t, "real-user", users[0].UserID)
	assert.Equal(t, "Real", users[0].Name)
}

func TestRequestToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	assert.Equal(t, "query", requestToken(r))
	r.Header.Set("Authorization", "Bearer header")
	assert.Equal(t, "header", requestToken(r))
}

func TestCloseAllDropsLiveConnectionsAndRefusesNewOnes(t *testing.T) {
	url, handler := startHandler(t, "")
	conn := dial(t, url, nil)

	send(t, conn, collab.EventJoin, map[string]any{"documentId": "doc-1", "userId": "u1"})
	readString(t, conn, collab.EventLoadDocument)
	readUsers(t, conn, collab.EventActiveUsers)

	handler.CloseAll()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	late := dial(t, url, nil)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
