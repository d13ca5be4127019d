package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConn is one outbound event-stream connection
type StreamConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens stream connections to the remote orchestrator
type Dialer interface {
	Dial(ctx context.Context, url string) (StreamConn, error)
}

// WSDialer dials gorilla websocket connections
type WSDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial opens a websocket connection
func (d WSDialer) Dial(ctx context.Context, url string) (StreamConn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsStreamConn{ws: ws}, nil
}

type wsStreamConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsStreamConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsStreamConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(10 * time.Second)
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

func (c *wsStreamConn) Close() error {
	return c.ws.Close()
}
