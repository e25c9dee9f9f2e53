package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// Connection is one observer WebSocket client: the raw conn, its bounded
// outbound queue, and identity for input-request ownership.
type Connection struct {
	ID    string
	Conn  *websocket.Conn
	Queue *Queue

	writeTimeout time.Duration
}

// NewConnection wraps an accepted WebSocket connection.
func NewConnection(conn *websocket.Conn) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Queue:        NewQueue(DefaultQueueCapacity),
		writeTimeout: DefaultWriteTimeout,
	}
}

// Send enqueues a frame for delivery. Never blocks.
func (c *Connection) Send(frame any) {
	c.Queue.Push(frame)
}

// WriteLoop drains the queue to the socket until ctx is cancelled or the
// connection fails. Runs on its own goroutine, one per connection.
func (c *Connection) WriteLoop(ctx context.Context) {
	for {
		data, err := c.Queue.Pop(ctx)
		if err != nil {
			return
		}

		writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
		err = c.Conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("Observer write failed, closing connection",
				"connection_id", c.ID, "error", err)
			return
		}
	}
}

// Close closes the queue and the underlying socket.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.Queue.Close()
	_ = c.Conn.Close(code, reason)
}
