// Package transport carries the collaboration protocol over WebSockets.
package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
	"inkwell/api/internal/metrics"
	"inkwell/api/internal/util"
)

// Handler upgrades requests to WebSocket connections bound to the gateway.
type Handler struct {
	gateway  *collab.Gateway
	secret   []byte
	buffer   int
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewHandler returns the upgrade handler. A non-empty secret requires a
// bearer token whose identity replaces client-supplied user fields.
func NewHandler(gateway *collab.Gateway, secret string, buffer int, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		gateway: gateway,
		buffer:  buffer,
		log:     log,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity *auth.Identity
	if h.secret != nil {
		parsed, err := auth.ParseToken(h.secret, requestToken(r))
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": "UNAUTHORIZED", "error": "Unauthorized"})
			return
		}
		identity = &parsed
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(util.NewID("conn"), conn, identity, h.buffer, h.log)
	if !h.track(client) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	defer h.untrack(client)
	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()
	h.log.Debug("connection opened", zap.String("connection_id", client.ID()))

	go client.writePump()
	client.readPump(h.gateway)
}

func (h *Handler) track(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID()] = c
	return true
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID())
	h.mu.Unlock()
}

// CloseAll closes every live connection and refuses new ones. Upgraded
// sockets are hijacked, so http.Server.Shutdown never reaches them.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
	h.log.Info("closed live connections", zap.Int("connections", len(clients)))
}

// requestToken reads the bearer token from the Authorization header, or the
// token query parameter for browsers that cannot set headers on upgrade.
func requestToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
