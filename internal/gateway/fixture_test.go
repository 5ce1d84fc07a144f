package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/broker"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/publisher"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	sessions map[domain.SessionToken]domain.UserID
	err      error
}

func (v *fakeValidator) Validate(_ context.Context, token domain.SessionToken) (*domain.Session, error) {
	if v.err != nil {
		return nil, v.err
	}
	u, ok := v.sessions[token]
	if !ok {
		return nil, domain.ErrAuthentication
	}
	return &domain.Session{ID: "s-" + string(token), UserID: u}, nil
}

// memoryBus stands in for the broker: every publish reaches every subscribed process.
type memoryBus struct {
	mu       sync.Mutex
	handlers []domain.EnvelopeHandler
	down     bool
}

func (b *memoryBus) subscribe(h domain.EnvelopeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *memoryBus) Publish(ctx context.Context, _, _ string, env domain.Envelope) error {
	b.mu.Lock()
	handlers := slices.Clone(b.handlers)
	down := b.down
	b.mu.Unlock()

	if down {
		return domain.ErrBrokerUnavailable
	}
	for _, h := range handlers {
		h.HandleEnvelope(ctx, env)
	}
	return nil
}

type fakeMessages struct {
	participants map[int64][]domain.UserID
	nextID       atomic.Int64
}

func (m *fakeMessages) CreateMessage(_ context.Context, sender domain.UserID, conversationID int64, content string) (*domain.Message, []domain.UserID, error) {
	participants, ok := m.participants[conversationID]
	if !ok {
		return nil, nil, domain.ErrConversationNotFound
	}
	if !slices.Contains(participants, sender) {
		return nil, nil, domain.ErrNotParticipant
	}
	return &domain.Message{
		ID:             m.nextID.Add(1),
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}, participants, nil
}

type fakeNotifications struct {
	owners map[int64]domain.UserID
}

func (n *fakeNotifications) MarkRead(_ context.Context, user domain.UserID, id int64) error {
	if owner, ok := n.owners[id]; !ok || owner != user {
		return domain.ErrNotificationNotFound
	}
	return nil
}

type registryPresence struct {
	reg *registry.Registry
}

func (p registryPresence) OnlineUsers(context.Context) []domain.UserID {
	return p.reg.ConnectedUserIDs()
}

var testSessions = map[domain.SessionToken]domain.UserID{
	"sess_abc":   42,
	"sess_alice": 1,
	"sess_bob":   2,
	"sess_carol": 3,
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  5 * time.Second,
		HandshakeTimeout:  500 * time.Millisecond,
		OpsPerSecond:      100,
		Development:       true,
		WebSocketEnabled:  true,
		PollingEnabled:    true,
	}
}

// node is one gateway process: its own registry, dispatcher and HTTP server.
type node struct {
	gw        *Gateway
	reg       *registry.Registry
	publisher *publisher.Publisher
	limits    *Limits
	metrics   *metrics.GatewayMetrics
	srv       *httptest.Server
}

type nodeOption func(*Config, *Deps)

func withConfig(fn func(*Config)) nodeOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func withValidator(v domain.SessionValidator) nodeOption {
	return func(_ *Config, d *Deps) { d.Validator = v }
}

func withLimits(l *Limits) nodeOption {
	return func(_ *Config, d *Deps) { d.Limits = l }
}

func withClock(c clockwork.Clock) nodeOption {
	return func(_ *Config, d *Deps) { d.Clock = c }
}

func newNode(t *testing.T, id string, bus *memoryBus, opts ...nodeOption) *node {
	t.Helper()

	reg := registry.New()
	cfg := testConfig()
	deps := Deps{
		Registry:      reg,
		Validator:     &fakeValidator{sessions: testSessions},
		Messages:      &fakeMessages{participants: map[int64][]domain.UserID{10: {1, 2}}},
		Notifications: &fakeNotifications{owners: map[int64]domain.UserID{5: 1}},
		Presence:      registryPresence{reg: reg},
		Metrics:       metrics.NewGatewayMetrics(prometheus.NewRegistry()),
		Clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	if deps.Limits == nil {
		deps.Limits = NewLimits(1000, 1000, 1000, 1000, deps.Clock)
	}

	pub := publisher.New(bus, id, domain.RoutingBroadcast, deps.Clock)
	deps.Publisher = pub
	bus.subscribe(broker.NewDispatcher(reg, broker.NewDedupWindow(time.Minute, deps.Clock), metrics.NewBrokerMetrics(prometheus.NewRegistry())))

	gw := New(cfg, deps)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime/ws", gw.ServeWS)
	mux.HandleFunc("POST /realtime/poll", gw.OpenPoll)
	mux.HandleFunc("GET /realtime/poll/{cid}", func(w http.ResponseWriter, r *http.Request) { gw.Poll(w, r, r.PathValue("cid")) })
	mux.HandleFunc("POST /realtime/poll/{cid}", func(w http.ResponseWriter, r *http.Request) { gw.PollSend(w, r, r.PathValue("cid")) })
	mux.HandleFunc("DELETE /realtime/poll/{cid}", func(w http.ResponseWriter, r *http.Request) { gw.ClosePoll(w, r, r.PathValue("cid")) })

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		reg.CloseAll(ReasonShutdown)
		srv.Close()
	})

	return &node{gw: gw, reg: reg, publisher: pub, limits: deps.Limits, metrics: deps.Metrics, srv: srv}
}

func (n *node) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/realtime/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (n *node) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(n.wsURL(token), nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and consumes connection:success.
func (n *node) connect(t *testing.T, token string) (*websocket.Conn, protocol.ConnectionSuccess) {
	t.Helper()
	conn := n.dial(t, token)

	f := readFrame(t, conn)
	require.Equal(t, protocol.EventConnectionSuccess, f.Event)

	var success protocol.ConnectionSuccess
	require.NoError(t, json.Unmarshal(f.Data, &success))
	require.Eventually(t, func() bool {
		_, ok := n.reg.Lookup(success.ConnectionID)
		return ok
	}, time.Second, 5*time.Millisecond)
	return conn, success
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func request(t *testing.T, conn *websocket.Conn, id, op string, data any) protocol.Frame {
	t.Helper()
	frame, err := protocol.EncodeRequest(id, op, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	resp := readFrame(t, conn)
	require.Equal(t, protocol.TypeResponse, resp.Type, "expected response, got %s %s", resp.Type, resp.Event)
	require.Equal(t, id, resp.ID)
	return resp
}

func decodeResult(t *testing.T, f protocol.Frame) protocol.Result {
	t.Helper()
	var r protocol.Result
	require.NoError(t, json.Unmarshal(f.Data, &r))
	return r
}

// assertNoPendingEvent proves nothing was queued for conn: a follow-up request must be answered
// before any other frame.
func assertNoPendingEvent(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	request(t, conn, "sync", protocol.OpPresenceOnline, nil)
}
