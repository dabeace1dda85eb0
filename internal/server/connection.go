package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection together with
// its per-socket session state. Each connection has an independent outbound
// queue drained by its own writer goroutine, so one slow consumer never
// blocks a room broadcast for the others.
type Connection struct {
	ID        string
	CreatedAt time.Time

	conn         net.Conn
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes socket writes with heartbeat pings
	writeTimeout time.Duration
	lastRead     int64 // unix nanos of the last successful frame read

	// Session state, destroyed with the socket. There is no identity
	// across reconnects.
	mu             sync.Mutex
	authenticated  bool
	userID         string
	conversationID string
}

func newConnection(id string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	return &Connection{
		ID:           id,
		CreatedAt:    time.Now(),
		conn:         conn,
		out:          make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		lastRead:     time.Now().UnixNano(),
	}
}

// Send enqueues a frame for this connection without blocking. If the queue
// is full the frame is dropped for this client only; the connection will be
// reaped once its reads fail. Returns whether the frame was enqueued.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// connection closes; a write error or a missed write deadline closes the
// connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.writeFrame(ws.OpText, data); err != nil {
				c.Close()
				return
			}
		}
	}
}

// writeFrame writes one frame under the write mutex, bounded by the write
// timeout when one is configured.
func (c *Connection) writeFrame(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// WritePing sends a WebSocket protocol-level ping frame. The write mutex
// ensures it does not interleave with queued application frames.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.OpPing, nil)
}

// Touch records a successful read, used by heartbeat staleness checks.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastRead, time.Now().UnixNano())
}

// LastRead returns the time of the last successful frame read.
func (c *Connection) LastRead() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastRead))
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// SetAuthenticated records a successful handshake for this session.
func (c *Connection) SetAuthenticated(userID string) {
	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.mu.Unlock()
}

// Authenticated reports whether the handshake has completed.
func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// UserID returns the resolved user identity, empty before authentication.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// SetConversation records the active conversation, returning the previous
// one.
func (c *Connection) SetConversation(id string) (previous string) {
	c.mu.Lock()
	previous = c.conversationID
	c.conversationID = id
	c.mu.Unlock()
	return previous
}

// Conversation returns the active conversation ID, empty if none.
func (c *Connection) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}
