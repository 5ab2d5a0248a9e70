package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 64 * 1024
)

// Client is one websocket connection. A connection joins at most one
// session at a time.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	ID          string
	UserID      string
	DisplayName string
	ItemID      string

	mu            sync.Mutex
	sessionID     string
	participantID string
}

func NewClient(hub *Hub, conn *websocket.Conn, id, userID, displayName, itemID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.opt.SendBuffer),
		done:        make(chan struct{}),
		ID:          id,
		UserID:      userID,
		DisplayName: displayName,
		ItemID:      itemID,
	}
}

// Membership returns the session and participant this connection joined.
func (c *Client) Membership() (sessionID, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.participantID
}

func (c *Client) setMembership(sessionID, participantID string) {
	c.mu.Lock()
	c.sessionID, c.participantID = sessionID, participantID
	c.mu.Unlock()
}

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.Close()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	c.conn.SetReadLimit(maxMsgSize)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return
			}
			slog.Debug("read error", "error", err, "user", c.UserID)
			return
		}

		c.hub.Handle(ctx, c, data)
	}
}

func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				slog.Debug("write error", "error", err, "user", c.UserID)
				c.Close()
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.Close(websocket.StatusPolicyViolation, "connection closed by server")
			return

		case <-ctx.Done():
			return
		}
	}
}

// Send queues msg. A client whose buffer is full is disconnected rather
// than skipped, so it never misses an operation silently; it resyncs on
// reconnect.
func (c *Client) Send(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal message", "error", err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("client send buffer full, disconnecting", "user", c.UserID, "conn", c.ID)
		c.Close()
		return false
	}
}

// Close stops the connection's write loop. It is safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
