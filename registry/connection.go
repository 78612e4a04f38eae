package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/electricautomaticchile/Websocket-api/auth"
	"github.com/electricautomaticchile/Websocket-api/errors"
)

const (
	// sendBufferSize bounds the per-connection outbox; a subscriber that
	// falls this far behind is a slow consumer and gets evicted
	sendBufferSize = 64

	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Connection is one subscriber attached to the registry. The socket may be
// nil, in which case delivery stops at the outbox channel (tests drain it
// directly).
type Connection struct {
	// ID uniquely identifies the connection, not the identity behind it
	ID string
	// Claims are the validated identity attributes, immutable for the
	// connection lifetime
	Claims auth.Claims

	// rooms is the set of rooms currently held. Guarded by the registry
	// mutex; never touched outside it.
	rooms map[string]struct{}

	socket    *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	// writeMu serializes writes; gorilla panics on concurrent writers
	writeMu sync.Mutex

	connectedAt time.Time
}

// NewConnection creates a connection for a validated subscriber
func NewConnection(claims auth.Claims, socket *websocket.Conn) *Connection {
	return &Connection{
		ID:          uuid.NewString(),
		Claims:      claims,
		rooms:       make(map[string]struct{}),
		socket:      socket,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// Enqueue queues encoded data for delivery without blocking. A full outbox
// returns ErrSendBufferFull so the registry can treat the subscriber as a
// slow consumer.
func (c *Connection) Enqueue(data []byte) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.ErrSendBufferFull
	}
}

// Outbox exposes the delivery channel for the write pump and for tests
func (c *Connection) Outbox() <-chan []byte {
	return c.send
}

// ConnectedAt returns when the connection was accepted
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// Close marks the connection closed and tears down the socket. Safe to
// call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

// Closed reports whether Close has been called
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// writePump drains the outbox onto the socket and keeps the connection
// alive with periodic pings. It exits when the connection closes or a
// write fails.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteMessage(messageType, data)
}
