package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. It implements
// registry.Handle. Writes are serialized by a mutex so that frames from the
// router, fan-out, heartbeat and control replies never interleave.
type Connection struct {
	id           string
	userID       int64
	conn         net.Conn
	createdAt    time.Time
	writeTimeout time.Duration

	lastActive atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex
	closeOnce  sync.Once
	closeErr   error
}

func newConnection(id string, userID int64, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		userID:       userID,
		conn:         conn,
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID is the connection's unique handle id.
func (c *Connection) ID() string { return c.id }

// UserID is the authenticated owner of the connection.
func (c *Connection) UserID() int64 { return c.userID }

// CreatedAt is when the handshake completed.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastActive is when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// WriteMessage sends a WebSocket text frame to this connection.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// CloseWith sends a close frame carrying code and reason, then closes the
// socket. A failed close frame write is ignored.
func (c *Connection) CloseWith(code ws.StatusCode, reason string) error {
	c.writeMu.Lock()
	c.setWriteDeadline()
	_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
	c.writeMu.Unlock()
	return c.Close()
}

// Close closes the underlying network connection. It is safe to call more
// than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
}

// controlWriter lets the frame reader answer pings and close frames through
// the connection's write mutex. Each control reply is a single Write.
type controlWriter struct{ c *Connection }

func (w controlWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	w.c.setWriteDeadline()
	defer w.c.clearWriteDeadline()
	return w.c.conn.Write(p)
}
