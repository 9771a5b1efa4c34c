package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// SocketConn wraps a gorilla websocket connection with a write lock, since
// the dispatcher loop and the handler's ping replies may write
// concurrently.
type SocketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewSocketConn wraps an upgraded connection.
func NewSocketConn(conn *websocket.Conn) *SocketConn {
	return &SocketConn{conn: conn}
}

// WriteJSON serializes v and writes a single text frame.
func (c *SocketConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close closes the underlying connection.
func (c *SocketConn) Close() error {
	return c.conn.Close()
}

// ReadMessage reads the next frame from the peer.
func (c *SocketConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}
