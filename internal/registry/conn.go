package registry

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

const defaultReadLimit = 1 << 20

// Conn is one bidirectional message stream to a viewer.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// WebsocketConn adapts a coder/websocket connection to Conn using text frames.
type WebsocketConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps an accepted websocket. A non-positive readLimit keeps the 1 MiB default.
func NewWebsocketConn(conn *websocket.Conn, readLimit int64) *WebsocketConn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	conn.SetReadLimit(readLimit)
	return &WebsocketConn{conn: conn}
}

// Read returns the next text frame.
func (c *WebsocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read websocket: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

// Write sends one text frame.
func (c *WebsocketConn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Ping sends a control ping and waits for the pong.
func (c *WebsocketConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping websocket: %w", err)
	}
	return nil
}

// Close performs a normal closure handshake.
func (c *WebsocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
