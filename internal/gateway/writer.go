package gateway

import (
	"sync"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline  = 5 * time.Second
	sendBufferSize = 16
	maxFrameSize   = 64 << 10
)

// wsConn owns all writes to a WebSocket once the handshake is done. Frames are queued in a
// bounded buffer and written by a single goroutine; a full buffer evicts the client.
type wsConn struct {
	ws           *websocket.Conn
	clock        clockwork.Clock
	metrics      *metrics.GatewayMetrics
	pingInterval time.Duration
	pongTimeout  time.Duration

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	// set by attach before the handle is registered
	onClose func()
}

func newWSConn(ws *websocket.Conn, clock clockwork.Clock, pingInterval, pongTimeout time.Duration, m *metrics.GatewayMetrics) *wsConn {
	c := &wsConn{
		ws:           ws,
		clock:        clock,
		metrics:      m,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	c.configurePongHandler()
	go c.run()
	return c
}

// Push queues frame without blocking.
func (c *wsConn) Push(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		c.metrics.EventsPushed.Inc()
		return true
	default:
		c.metrics.SlowEvictions.Inc()
		go c.Close(ReasonSlowConsumer)
		return false
	}
}

func (c *wsConn) setOnClose(fn func()) { c.onClose = fn }

// Close stops the writer, sends a close frame carrying reason and runs the close hook. Idempotent.
func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.writerDone

		// the writer has exited, so this is the only writer left
		c.updateWriteDeadline()
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
		_ = c.ws.Close()

		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *wsConn) run() {
	defer close(c.writerDone)

	ticker := c.clock.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			start := c.clock.Now()
			c.updateWriteDeadline()
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				// unblocks the reader, which closes the handle
				_ = c.ws.Close()
				return
			}
			c.metrics.SendDuration.Observe(c.clock.Since(start).Seconds())
		case <-ticker.Chan():
			c.updateWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) configurePongHandler() {
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
}

func (c *wsConn) updateWriteDeadline() {
	_ = c.ws.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *wsConn) extendReadDeadline() {
	_ = c.ws.SetReadDeadline(c.clock.Now().Add(c.pongTimeout))
}
