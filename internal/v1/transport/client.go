// Package transport owns the websocket edge: connection accept, the
// per-connection read and write pumps, the admission pipeline, and dispatch
// of decoded client messages into the room and the AI services.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/v1/logging"
	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/protocol"
	"github.com/parleyhq/parley/internal/v1/types"
)

// Heartbeat and write pacing.
const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	sendQueueCap = 256
)

// wsConnection is the subset of *websocket.Conn the client needs. Fakes
// implement it in tests.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// dispatcher receives decoded client payloads and disconnects. Implemented
// by the Hub.
type dispatcher interface {
	Dispatch(ctx context.Context, c *Client, payload protocol.ClientPayload)
	HandleDisconnect(c *Client)
}

// Client is one user's live connection. It implements room.Member.
type Client struct {
	conn wsConnection
	hub  dispatcher

	id       types.ClientIDType
	name     types.DisplayNameType
	deviceID types.DeviceIDType
	roomID   types.RoomIDType

	mu            sync.RWMutex
	role          types.RoleType
	authenticated bool // false while parked behind a password challenge
	closed        bool
	lastActivity  time.Time
	parkedAt      time.Time

	closeOnce sync.Once
	closeCode int
	send      chan []byte
}

func newClient(conn wsConnection, hub dispatcher, roomID types.RoomIDType, id types.ClientIDType, name types.DisplayNameType, role types.RoleType, deviceID types.DeviceIDType) *Client {
	return &Client{
		conn:         conn,
		hub:          hub,
		id:           id,
		name:         name,
		deviceID:     deviceID,
		roomID:       roomID,
		role:         role,
		lastActivity: time.Now(),
		closeCode:    websocket.CloseNormalClosure,
		send:         make(chan []byte, sendQueueCap),
	}
}

// --- room.Member ---

func (c *Client) ID() types.ClientIDType      { return c.id }
func (c *Client) Name() types.DisplayNameType { return c.name }

func (c *Client) Role() types.RoleType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) SetRole(role types.RoleType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = role
}

// Enqueue hands data to the send queue without blocking.
func (c *Client) Enqueue(data []byte) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}
	c.mu.RUnlock()

	defer func() {
		// The queue may close concurrently with a send.
		_ = recover()
	}()
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Kill schedules the connection for close. The write pump drains the queue
// with a grace period, sends a close frame, and tears down the socket.
func (c *Client) Kill(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		logging.Info(context.Background(), "closing client",
			zap.String("user_id", string(c.id)),
			zap.String("reason", reason))
		close(c.send)
	})
}

// --- Admission state ---

// Authenticated reports whether the connection has cleared the room password
// gate.
func (c *Client) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) setAuthenticated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = v
}

// park timestamps the pending-password state for TTL enforcement.
func (c *Client) park() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parkedAt = time.Now()
}

func (c *Client) parkedSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parkedAt
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns the time of the last inbound frame.
func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// RoomID returns the room this connection was accepted into.
func (c *Client) RoomID() types.RoomIDType { return c.roomID }

// DeviceID returns the connecting device identifier, if supplied.
func (c *Client) DeviceID() types.DeviceIDType { return c.deviceID }

// SendError enqueues a soft error reply.
func (c *Client) SendError(message, details string) {
	c.Enqueue(protocol.MustMarshal(protocol.NewError(message, details)))
}

// SendEvent marshals and enqueues a server event.
func (c *Client) SendEvent(ev protocol.ServerEvent) bool {
	return c.Enqueue(protocol.MustMarshal(ev))
}

// --- Pumps ---

// readPump decodes inbound frames and hands them to the hub. It enforces the
// pong deadline; a silent connection is closed by the read timing out.
func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "panic in connection handler",
				zap.String("user_id", string(c.id)), zap.Any("panic", r))
		}
		c.hub.HandleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()

		payload, err := protocol.ParseClient(data)
		if err != nil {
			logging.Warn(context.Background(), "malformed client message",
				zap.String("user_id", string(c.id)), zap.Error(err))
			c.SendError("Invalid message format", err.Error())
			metrics.WebsocketEvents.WithLabelValues("decode", "error").Inc()
			continue
		}

		ctx := context.WithValue(context.Background(), logging.UserIDKey, string(c.id))
		ctx = context.WithValue(ctx, logging.RoomIDKey, string(c.roomID))
		c.hub.Dispatch(ctx, c, payload)
	}
}

// writePump serializes all socket writes: queued events and heartbeat pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.mu.RLock()
				code := c.closeCode
				c.mu.RUnlock()
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, ""))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// closeWithPolicy enqueues a terminal error and closes with 1008. Used for
// auth and role-password failures. The write pump drains the error event
// before emitting the close frame.
func (c *Client) closeWithPolicy(code string, message string) {
	c.SendEvent(protocol.ErrorEvent{Type: protocol.EvtError, Message: message, Details: code})
	c.mu.Lock()
	c.closeCode = websocket.ClosePolicyViolation
	c.mu.Unlock()
	c.Kill(code)
}
