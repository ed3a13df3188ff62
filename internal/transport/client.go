package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/collab"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4 << 20
)

// Client is one WebSocket connection. Sends are queued so the gateway loop
// never waits on a slow socket; a client that falls too far behind is closed.
type Client struct {
	id       string
	conn     *websocket.Conn
	identity *auth.Identity
	log      *zap.Logger

	send      chan collab.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, conn *websocket.Conn, identity *auth.Identity, buffer int, log *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		id:       id,
		conn:     conn,
		identity: identity,
		log:      log,
		send:     make(chan collab.Frame, buffer),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues frame for the write pump. It never blocks.
func (c *Client) Send(frame collab.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		c.log.Warn("send buffer full, dropping connection", zap.String("connection_id", c.id))
		c.Close()
	}
}

// Close asks the write pump to send a close frame and drop the socket.
// Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.log.Debug("write frame failed", zap.String("connection_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump decodes inbound frames until the socket fails, then reports the
// disconnect. Malformed frames are answered with an error frame and dropped.
func (c *Client) readPump(gateway *collab.Gateway) {
	defer func() {
		gateway.Disconnect(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read frame failed", zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		var raw collab.RawFrame
		if err := json.Unmarshal(message, &raw); err != nil {
			c.Send(errorFrame("malformed frame"))
			continue
		}

		ev, err := collab.DecodeEvent(c, raw)
		if err != nil {
			c.Send(errorFrame(err.Error()))
			continue
		}
		if err := gateway.Dispatch(c.bindIdentity(ev)); err != nil {
			c.Send(errorFrame(err.Error()))
		}
	}
}

// bindIdentity replaces client-supplied user fields with the authenticated identity.
func (c *Client) bindIdentity(ev collab.Event) collab.Event {
	if c.identity == nil {
		return ev
	}
	switch p := ev.Payload.(type) {
	case collab.JoinPayload:
		p.UserID, p.Name = c.identity.UserID, c.identity.Name
		ev.Payload = p
	case collab.CursorPayload:
		p.UserID = c.identity.UserID
		ev.Payload = p
	case collab.LeavePayload:
		p.UserID = c.identity.UserID
		ev.Payload = p
	}
	return ev
}

func errorFrame(message string) collab.Frame {
	return collab.Frame{Event: collab.EventError, Data: message}
}
