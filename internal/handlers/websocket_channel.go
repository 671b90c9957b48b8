package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is one live delivery connection for an owner
type Channel interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// wsChannel serialises writes to a gorilla connection and bounds each one with a deadline
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes one text frame bounded by the write timeout. Cancellation of ctx
// does not fail the write.
func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the underlying connection once
func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
