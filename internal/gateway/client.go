package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the per-connection lifecycle. Transitions only move forward:
// Connecting -> Authenticated -> Joined -> Disconnected.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// closeInvalidToken is the close code sent when handshake authentication
	// fails. The reason text is wire contract.
	closeInvalidToken = 4401
)

// Client is one live websocket connection bound (after authentication) to a
// user identity.
type Client struct {
	id     uuid.UUID
	userID string
	// serviceType is set instead of userID for infra connections.
	serviceType string

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *slog.Logger

	state ConnState
	rooms map[string]struct{}
}

func newClient(conn *websocket.Conn, hub *Hub, logger *slog.Logger) *Client {
	id := uuid.New()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    hub,
		logger: logger.With(slog.String("connID", id.String())),
		state:  StateConnecting,
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) ID() uuid.UUID { return c.id }

func (c *Client) UserID() string { return c.userID }

// enqueue hands a pre-encoded frame to the write pump. A full send buffer
// drops the frame rather than blocking the broadcasting goroutine; the slow
// client recovers via REST re-fetch on its next reconcile.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) emit(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		c.logger.Error("encode frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	if !c.enqueue(frame) {
		c.logger.Warn("send buffer full, dropping frame", slog.String("event", event))
	}
}

// readPump pumps inbound command frames to the dispatcher. It exits on any
// read error, which triggers the hub-side disconnect.
func (c *Client) readPump(dispatch func(*Client, Envelope)) {
	defer c.hub.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected close", slog.Any("error", err))
			}
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			c.logger.Warn("malformed frame", slog.Any("error", err))
			continue
		}
		dispatch(c, envelope)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
