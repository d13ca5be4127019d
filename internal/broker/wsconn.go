package broker

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteWait = 10 * time.Second

// WSConn adapts a gorilla websocket connection to Conn. Writes are
// serialised; gorilla allows one concurrent writer only.
type WSConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration
	closeOnce sync.Once
}

// NewWSConn wraps ws
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws, writeWait: defaultWriteWait}
}

// Send writes one text frame, bounded by the context deadline or the default
// write wait, whichever is sooner
func (c *WSConn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage reads the next client frame
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a close frame and closes the socket
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(
		func() {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			err = c.ws.Close()
		},
	)
	return err
}
