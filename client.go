package main

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"netwire/hub/internal/auth"
	"netwire/hub/internal/logging"
	"netwire/hub/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	closeGraceWait = time.Second
)

// Client is one live WebSocket connection tracked by the hub.
type Client struct {
	id         uuid.UUID
	remoteAddr string
	conn       *websocket.Conn
	queue      *outQueue
	logger     *logging.Logger

	mu     sync.Mutex
	claims *auth.Claims

	lastActive  atomic.Int64
	connectedAt time.Time
	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
}

// ClientStats is the JSON-facing snapshot of one connection.
type ClientStats struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	Subject     string    `json:"subject,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
	Topics      []string  `json:"topics"`
	QueueDepth  int       `json:"queue_depth"`
}

func newClient(conn *websocket.Conn, remoteAddr string, logger *logging.Logger, now time.Time) *Client {
	client := &Client{
		id:          uuid.New(),
		remoteAddr:  remoteAddr,
		conn:        conn,
		queue:       newOutQueue(),
		connectedAt: now,
	}
	client.logger = logger.With(logging.String("client_id", client.id.String()))
	client.lastActive.Store(now.UnixNano())
	return client
}

// ID returns the connection identifier.
func (c *Client) ID() uuid.UUID {
	if c == nil {
		return uuid.Nil
	}
	return c.id
}

// Claims returns the verified claims, or nil while unauthenticated.
func (c *Client) Claims() *auth.Claims {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func (c *Client) setClaims(claims *auth.Claims) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()
}

// Touch records inbound activity for the liveness sweep.
func (c *Client) Touch(now time.Time) {
	if c == nil {
		return
	}
	c.lastActive.Store(now.UnixNano())
}

func (c *Client) lastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Enqueue buffers an encoded frame for the write pump.
func (c *Client) Enqueue(frame []byte) error {
	if c == nil {
		return errQueueClosed
	}
	return c.queue.Push(frame)
}

// EnqueueFrame encodes and buffers a frame.
func (c *Client) EnqueueFrame(frame *protocol.Frame) error {
	if frame == nil {
		return nil
	}
	encoded, err := frame.Encode()
	if err != nil {
		return err
	}
	return c.Enqueue(encoded)
}

func (c *Client) info() ClientInfo {
	info := ClientInfo{ID: c.id, RemoteAddr: c.remoteAddr}
	if claims := c.Claims(); claims != nil {
		info.Subject = claims.Subject
		info.Scopes = append([]string(nil), claims.Scopes...)
	}
	return info
}

func (c *Client) stats(topics []string) ClientStats {
	stats := ClientStats{
		ID:          c.id.String(),
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		LastActive:  c.lastActiveTime(),
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		Topics:      topics,
		QueueDepth:  c.queue.Len(),
	}
	if claims := c.Claims(); claims != nil {
		stats.Subject = claims.Subject
	}
	return stats
}

// writePump drains the outbound queue onto the socket and keeps the
// transport alive with pings. It exits once the queue closes and the
// remaining frames have been flushed.
func (c *Client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		items, open := c.queue.Drain()
		for _, item := range items {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, item); err != nil {
				c.logger.Debug("write failed", logging.Error(err))
				return
			}
			c.messagesOut.Add(1)
		}
		if !open {
			//1.- Flush done; say goodbye politely before dropping the socket.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"))
			time.Sleep(closeGraceWait)
			return
		}
		select {
		case <-c.queue.Wait():
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
