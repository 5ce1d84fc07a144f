// Package gateway terminates client connections. It authenticates the handshake, attaches each
// connection to the registry and serves the request operations clients send over it. Two transports
// share the same frames: WebSocket and a long-polling fallback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

// Close reasons passed to Conn.Close.
const (
	ReasonShutdown     = "server shutting down"
	ReasonSlowConsumer = "slow consumer"
	ReasonClientClosed = "client closed"
	ReasonPollTimeout  = "poll timeout"
)

const (
	msgAuthRequired    = "authentication required"
	msgAuthFailed      = "authentication failed"
	msgAuthUnavailable = "authentication unavailable"
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	OpsPerSecond      float64
	AllowedOrigins    string
	Development       bool
	WebSocketEnabled  bool
	PollingEnabled    bool
}

// Deps are the collaborators a Gateway needs. Cookies may be nil.
type Deps struct {
	Registry      *registry.Registry
	Validator     domain.SessionValidator
	Cookies       SessionCookieReader
	Publisher     domain.EventPublisher
	Messages      domain.MessageStore
	Notifications domain.NotificationStore
	Presence      domain.PresenceQuery
	Limits        *Limits
	Metrics       *metrics.GatewayMetrics
	Clock         clockwork.Clock
}

type Gateway struct {
	cfg           Config
	registry      *registry.Registry
	validator     domain.SessionValidator
	cookies       SessionCookieReader
	publisher     domain.EventPublisher
	messages      domain.MessageStore
	notifications domain.NotificationStore
	presence      domain.PresenceQuery
	limits        *Limits
	metrics       *metrics.GatewayMetrics
	clock         clockwork.Clock
	upgrader      websocket.Upgrader
	logger        *slog.Logger

	pollMu sync.Mutex
	polls  map[string]*pollSession
}

func New(cfg Config, deps Deps) *Gateway {
	if deps.Registry == nil || deps.Validator == nil || deps.Publisher == nil || deps.Messages == nil ||
		deps.Notifications == nil || deps.Presence == nil || deps.Limits == nil || deps.Metrics == nil || deps.Clock == nil {
		panic("gateway: nil dependency")
	}
	if cfg.OpsPerSecond <= 0 {
		cfg.OpsPerSecond = 20
	}

	return &Gateway{
		cfg:           cfg,
		registry:      deps.Registry,
		validator:     deps.Validator,
		cookies:       deps.Cookies,
		publisher:     deps.Publisher,
		messages:      deps.Messages,
		notifications: deps.Notifications,
		presence:      deps.Presence,
		limits:        deps.Limits,
		metrics:       deps.Metrics,
		clock:         deps.Clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, cfg.Development),
		},
		logger: slog.Default().With("component", "gateway"),
		polls:  make(map[string]*pollSession),
	}
}

// admit applies the connection limits and writes the refusal itself.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip := clientIP(r)
	ok, reason := g.limits.Acquire(ip)
	if ok {
		return ip, true
	}

	g.metrics.Rejections.WithLabelValues(string(reason)).Inc()
	g.logger.Warn("Connection rejected", "ip", ip, "reason", reason)

	status := http.StatusTooManyRequests
	if reason == LimitReasonGlobal {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": "too many connections"})
	return "", false
}

// authenticate validates token within the handshake timeout. The returned message is the
// client-facing rejection text when err is non-nil.
func (g *Gateway) authenticate(ctx context.Context, token domain.SessionToken) (*domain.Session, string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	s, err := g.validator.Validate(ctx, token)
	switch {
	case err == nil:
		g.metrics.Handshakes.WithLabelValues("success").Inc()
		return s, "", nil
	case errors.Is(err, domain.ErrAuthentication):
		g.metrics.Handshakes.WithLabelValues("invalid_token").Inc()
		return nil, msgAuthFailed, err
	default:
		g.metrics.Handshakes.WithLabelValues("validator_error").Inc()
		g.logger.Error("Session validation failed", "error", err)
		return nil, msgAuthUnavailable, err
	}
}

// transportConn is a registry.Conn whose close path can be hooked.
type transportConn interface {
	registry.Conn
	setOnClose(fn func())
}

// attach registers a new handle for conn and wires its close path to detach. connection:success is
// queued before the handle becomes visible to the dispatcher so it is always the first frame a
// client sees. prepare, if set, runs before registration. On error the caller closes conn, which
// releases the admission slot.
func (g *Gateway) attach(s *domain.Session, transport registry.Transport, conn transportConn, ip string, prepare func(*registry.Handle)) (*registry.Handle, error) {
	h := registry.NewHandle(s.UserID, transport, conn, g.clock.Now())
	conn.setOnClose(func() { g.detach(h, ip) })
	if prepare != nil {
		prepare(h)
	}

	frame, err := protocol.EncodeEvent(protocol.EventConnectionSuccess, protocol.ConnectionSuccess{
		UserID:       int64(s.UserID),
		ConnectionID: h.ID,
		Transport:    string(transport),
	})
	if err != nil {
		return nil, err
	}
	conn.Push(frame)

	if err := g.registry.Register(h); err != nil {
		return nil, err
	}
	g.metrics.ActiveConnections.WithLabelValues(string(transport)).Inc()
	g.logger.Info("Client connected", "user_id", s.UserID, "connection_id", h.ID, "transport", transport)
	return h, nil
}

// detach is the close path of every handle. It runs once per connection.
func (g *Gateway) detach(h *registry.Handle, ip string) {
	if h.Transport == registry.TransportPolling {
		g.pollMu.Lock()
		delete(g.polls, h.ID)
		g.pollMu.Unlock()
	}
	if g.registry.Deregister(h) {
		g.metrics.ActiveConnections.WithLabelValues(string(h.Transport)).Dec()
	}
	g.limits.Release(ip)
	g.logger.Info("Client disconnected", "user_id", h.UserID, "connection_id", h.ID, "transport", h.Transport,
		"duration", g.clock.Since(h.CreatedAt))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
