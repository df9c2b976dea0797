// Package loadgen drives simulated chat users against a running server and
// aggregates client-side and server-side measurements.
package loadgen

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user holding an authenticated WebSocket.
type Client struct {
	userID  int64
	conn    net.Conn
	writeMu sync.Mutex

	connectLatency time.Duration
	sent           atomic.Int64
	received       atomic.Int64
	errors         atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects userID to the server at url (e.g. ws://localhost:8080/ws)
// using token, and starts the read loop.
func Dial(ctx context.Context, url string, userID int64, token string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url+"?token="+token)
	if err != nil {
		return nil, fmt.Errorf("loadgen: dial user %d: %w", userID, err)
	}

	c := &Client{
		userID:         userID,
		conn:           conn,
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		done:           make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// UserID is the simulated user's id.
func (c *Client) UserID() int64 { return c.userID }

// Send writes one chat frame addressed to receiverID. It is goroutine-safe.
func (c *Client) Send(receiverID int64, body string) error {
	data, err := json.Marshal(map[string]interface{}{
		"message":     body,
		"sender_id":   c.userID,
		"receiver_id": receiverID,
	})
	if err != nil {
		return fmt.Errorf("loadgen: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// On registers a handler for server frames with the given info value. Handlers
// run on the read loop goroutine; registering twice replaces the handler.
func (c *Client) On(info string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[info] = handler
	c.handlersMu.Unlock()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer func() { _ = c.Close() }()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed by us; not an error.
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var envelope struct {
			Info string `json:"info"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.handlersMu.RLock()
		handler, ok := c.handlers[envelope.Info]
		c.handlersMu.RUnlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}
