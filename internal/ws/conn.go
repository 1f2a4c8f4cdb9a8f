package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// clientConn serialises writes to one websocket and carries a context
// cancelled when the connection goes away.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newClientConn(conn *websocket.Conn) *clientConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{conn: conn, ctx: ctx, cancel: cancel}
}

func (c *clientConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// closeWith sends a close frame with code and reason, then closes the
// socket. Only the first call has an effect.
func (c *clientConn) closeWith(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
