package status

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// client is one feed subscriber. The writer goroutine owns the connection's
// write side; a subscriber that falls behind is disconnected.
type client struct {
	id   uint64
	conn *websocket.Conn
	out  chan []byte
	log  *zap.Logger

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newClient(id uint64, conn *websocket.Conn, outSize int, log *zap.Logger) *client {
	return &client{
		id:      id,
		conn:    conn,
		out:     make(chan []byte, outSize),
		log:     log.With(zap.Uint64("client", id)),
		closeCh: make(chan struct{}),
	}
}

// send queues msg without blocking.
func (c *client) send(msg []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.out <- msg:
	default:
		c.log.Warn("status client too slow, disconnecting")
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.conn.Close()
	})
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.closeCh:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug("status write failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop drains control frames until the peer goes away.
func (c *client) readLoop() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
