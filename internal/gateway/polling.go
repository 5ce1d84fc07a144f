package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/platform/correlation"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/jonboulle/clockwork"
)

const pollQueueSize = 64

// pollConn buffers frames for a long-polling client until its next poll.
type pollConn struct {
	clock   clockwork.Clock
	metrics *metrics.GatewayMetrics

	mu       sync.Mutex
	queue    [][]byte
	closed   bool
	reason   string
	lastSeen time.Time
	polling  int

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newPollConn(clock clockwork.Clock, m *metrics.GatewayMetrics) *pollConn {
	return &pollConn{
		clock:    clock,
		metrics:  m,
		lastSeen: clock.Now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *pollConn) setOnClose(fn func()) { c.onClose = fn }

func (c *pollConn) Push(frame []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= pollQueueSize {
		c.mu.Unlock()
		c.metrics.SlowEvictions.Inc()
		go c.Close(ReasonSlowConsumer)
		return false
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	c.metrics.EventsPushed.Inc()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *pollConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = reason
		c.queue = nil
		c.mu.Unlock()

		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *pollConn) drain() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *pollConn) state() (closed bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.reason
}

func (c *pollConn) beginPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polling++
	c.lastSeen = c.clock.Now()
}

func (c *pollConn) endPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polling--
	c.lastSeen = c.clock.Now()
}

func (c *pollConn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = c.clock.Now()
}

// idleFor reports how long the client has gone without an outstanding poll.
func (c *pollConn) idleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polling > 0 {
		return 0
	}
	return now.Sub(c.lastSeen)
}

type pollSession struct {
	conn   *pollConn
	client *client
}

// OpenPoll authenticates a long-polling client and returns its connection id. The token may also
// be sent as an auth frame in the body.
func (g *Gateway) OpenPoll(w http.ResponseWriter, r *http.Request) {
	if !g.cfg.PollingEnabled {
		http.NotFound(w, r)
		return
	}

	ip, ok := g.admit(w, r)
	if !ok {
		return
	}

	token, hasToken := extractToken(r, g.cookies)
	if !hasToken {
		token, hasToken = authFrameFromBody(r)
	}
	if !hasToken {
		g.metrics.Handshakes.WithLabelValues("missing_token").Inc()
		g.limits.Release(ip)
		writeJSON(w, http.StatusUnauthorized, protocol.ConnectionError{Error: msgAuthRequired, Code: protocol.CloseAuthFailed})
		return
	}

	session, message, err := g.authenticate(r.Context(), token)
	if err != nil {
		g.limits.Release(ip)
		status := http.StatusUnauthorized
		if message == msgAuthUnavailable {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, protocol.ConnectionError{Error: message, Code: protocol.CloseAuthFailed})
		return
	}

	conn := newPollConn(g.clock, g.metrics)
	h, err := g.attach(session, registry.TransportPolling, conn, ip, func(h *registry.Handle) {
		g.pollMu.Lock()
		g.polls[h.ID] = &pollSession{conn: conn, client: g.newClient(h)}
		g.pollMu.Unlock()
	})
	if err != nil {
		g.logger.Error("Failed to register connection", "user_id", session.UserID, "error", err)
		conn.Close(ReasonShutdown)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, protocol.PollOpen{ConnectionID: h.ID})
}

// Poll waits for queued frames and returns them as a JSON array. 410 means the connection is gone
// and the client must open a new one.
func (g *Gateway) Poll(w http.ResponseWriter, r *http.Request, connectionID string) {
	s, ok := g.pollSession(connectionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}

	s.conn.beginPoll()
	defer s.conn.endPoll()

	frames := s.conn.drain()
	if len(frames) == 0 {
		wait := g.clock.NewTimer(g.pollWait())
		defer wait.Stop()

		select {
		case <-s.conn.notify:
		case <-s.conn.done:
		case <-wait.Chan():
		case <-r.Context().Done():
			return
		}
		frames = s.conn.drain()
	}

	if closed, reason := s.conn.state(); closed && len(frames) == 0 {
		writeJSON(w, http.StatusGone, map[string]string{"error": reason})
		return
	}

	out := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		out[i] = f
	}
	writeJSON(w, http.StatusOK, out)
}

// PollSend handles one request frame. The response is delivered through the next poll.
func (g *Gateway) PollSend(w http.ResponseWriter, r *http.Request, connectionID string) {
	s, ok := g.pollSession(connectionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown connection"})
		return
	}
	s.conn.touch()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	ctx := correlation.WithID(r.Context(), connectionID)
	g.handleFrame(ctx, s.client, body)
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) ClosePoll(w http.ResponseWriter, _ *http.Request, connectionID string) {
	if s, ok := g.pollSession(connectionID); ok {
		s.conn.Close(ReasonClientClosed)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) pollSession(id string) (*pollSession, bool) {
	g.pollMu.Lock()
	defer g.pollMu.Unlock()
	s, ok := g.polls[id]
	return s, ok
}

// pollWait bounds one long poll so the client re-polls well inside the heartbeat timeout.
func (g *Gateway) pollWait() time.Duration {
	return min(g.cfg.HeartbeatInterval, g.cfg.HeartbeatTimeout/2)
}

// Run sweeps polling connections that stopped polling. It returns when ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	if !g.cfg.PollingEnabled {
		return
	}

	ticker := g.clock.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.sweepPolls()
		}
	}
}

func (g *Gateway) sweepPolls() int {
	g.pollMu.Lock()
	sessions := make([]*pollSession, 0, len(g.polls))
	for _, s := range g.polls {
		sessions = append(sessions, s)
	}
	g.pollMu.Unlock()

	now := g.clock.Now()
	swept := 0
	for _, s := range sessions {
		if s.conn.idleFor(now) > g.cfg.HeartbeatTimeout {
			s.conn.Close(ReasonPollTimeout)
			swept++
		}
	}
	if swept > 0 {
		g.logger.Info("Swept idle polling connections", "count", swept)
	}
	return swept
}

func authFrameFromBody(r *http.Request) (domain.SessionToken, bool) {
	if r.Body == nil {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil || len(body) == 0 {
		return "", false
	}
	f, err := protocol.Decode(body)
	if err != nil || f.Type != protocol.TypeAuth || f.Token == "" {
		return "", false
	}
	return domain.SessionToken(f.Token), true
}
