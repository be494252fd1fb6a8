package realtime

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// Connection represents a WebSocket client connection
type Connection struct {
	ID          string
	Namespace   string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	mu          sync.Mutex
}

// NewConnection creates a new WebSocket connection
func NewConnection(id, namespace string, conn *websocket.Conn) *Connection {
	return &Connection{
		ID:          id,
		Namespace:   namespace,
		Conn:        conn,
		ConnectedAt: time.Now(),
	}
}

// SendMessage sends a message to the WebSocket client.
// Writes are serialized; concurrent writes on a websocket are not safe.
func (c *Connection) SendMessage(msg ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(msg)
}

// Close closes the WebSocket connection
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
