package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrConnClosed = errors.New("connection closed")

const closeGrace = time.Second

// Conn is one client's live websocket session and the unit of room membership.
// Writes are serialised per connection; Close is safe to call any number of times.
type Conn struct {
	ID string

	ws           *websocket.Conn
	writeTimeout time.Duration

	mu   sync.Mutex
	hook func([]byte) error

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// SetSendHook replaces the websocket writer (used in tests).
func (c *Conn) SetSendHook(fn func([]byte) error) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send writes payload as a single binary frame, bounded by the write timeout.
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	if c.hook != nil {
		return c.hook(payload)
	}
	if c.ws == nil {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	return c.CloseWithReason(websocket.CloseNormalClosure, "")
}

// CloseWithReason sends a close frame with code and reason, then releases the socket.
// Only the first call has any effect.
func (c *Conn) CloseWithReason(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws == nil {
			return
		}
		// WriteControl may run concurrently with a blocked Send.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
		err = c.ws.Close()
	})
	return err
}
