package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeGateway speaks the gateway wire protocol with scriptable behavior.
type fakeGateway struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	wsDisabled atomic.Bool
	down       atomic.Bool
	silent     atomic.Bool
	connects   atomic.Int32

	mu     sync.Mutex
	conns  []*fakeWS
	polls  map[string]*fakePoll
	joins  []string
	nextID int
}

type fakeWS struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeWS) write(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, frame)
}

type fakePoll struct {
	queue chan []byte
	gone  atomic.Bool
}

var fakeUsers = map[string]int64{"sess_abc": 42, "sess_bob": 2}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, polls: make(map[string]*fakePoll)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /realtime/ws", g.serveWS)
	mux.HandleFunc("POST /realtime/poll", g.openPoll)
	mux.HandleFunc("GET /realtime/poll/{cid}", g.poll)
	mux.HandleFunc("POST /realtime/poll/{cid}", g.pollSend)
	mux.HandleFunc("DELETE /realtime/poll/{cid}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/realtime/token", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("amora_session")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": c.Value})
	})

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		g.dropAll()
		g.server.Close()
	})
	return g
}

func (g *fakeGateway) userFor(r *http.Request) (int64, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	u, ok := fakeUsers[token]
	return u, ok
}

func (g *fakeGateway) connectionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	return "conn-" + strconv.Itoa(g.nextID)
}

func (g *fakeGateway) serveWS(w http.ResponseWriter, r *http.Request) {
	if g.wsDisabled.Load() {
		http.NotFound(w, r)
		return
	}
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeWS{ws: ws}

	user, ok := g.userFor(r)
	if !ok {
		frame, _ := protocol.EncodeEvent(protocol.EventConnectionError, protocol.ConnectionError{Error: "Authentication failed", Code: protocol.CloseAuthFailed})
		conn.write(frame)
		conn.mu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(protocol.CloseAuthFailed, "Authentication failed"), time.Now().Add(time.Second))
		conn.mu.Unlock()
		_ = ws.Close()
		return
	}

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()
	g.connects.Add(1)

	frame, _ := protocol.EncodeEvent(protocol.EventConnectionSuccess, protocol.ConnectionSuccess{UserID: user, ConnectionID: g.connectionID(), Transport: "websocket"})
	conn.write(frame)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if resp := g.answer(data); resp != nil {
			conn.write(resp)
		}
	}
}

func (g *fakeGateway) openPoll(w http.ResponseWriter, r *http.Request) {
	user, ok := g.userFor(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(protocol.ConnectionError{Error: "Authentication failed", Code: protocol.CloseAuthFailed})
		return
	}

	cid := g.connectionID()
	p := &fakePoll{queue: make(chan []byte, 64)}
	g.mu.Lock()
	g.polls[cid] = p
	g.mu.Unlock()
	g.connects.Add(1)

	frame, _ := protocol.EncodeEvent(protocol.EventConnectionSuccess, protocol.ConnectionSuccess{UserID: user, ConnectionID: cid, Transport: "polling"})
	p.queue <- frame
	_ = json.NewEncoder(w).Encode(protocol.PollOpen{ConnectionID: cid})
}

func (g *fakeGateway) pollFor(r *http.Request) (*fakePoll, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.polls[r.PathValue("cid")]
	return p, ok
}

func (g *fakeGateway) poll(w http.ResponseWriter, r *http.Request) {
	p, ok := g.pollFor(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var out []json.RawMessage
	select {
	case f := <-p.queue:
		out = append(out, f)
	case <-time.After(100 * time.Millisecond):
	case <-r.Context().Done():
		return
	}
	if p.gone.Load() && len(out) == 0 {
		w.WriteHeader(http.StatusGone)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "server shutting down"})
		return
	}
	for len(p.queue) > 0 {
		out = append(out, <-p.queue)
	}
	if out == nil {
		out = []json.RawMessage{}
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (g *fakeGateway) pollSend(w http.ResponseWriter, r *http.Request) {
	p, ok := g.pollFor(r)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if resp := g.answer(raw); resp != nil {
		p.queue <- resp
	}
	w.WriteHeader(http.StatusAccepted)
}

// answer produces the response frame for one request, or nil while the gateway is silent.
func (g *fakeGateway) answer(raw []byte) []byte {
	f, err := protocol.Decode(raw)
	if err != nil || f.Type != protocol.TypeRequest || g.silent.Load() {
		return nil
	}

	var data any
	switch f.Op {
	case protocol.OpRoomJoin:
		var req protocol.RoomRequest
		_ = json.Unmarshal(f.Data, &req)
		g.mu.Lock()
		g.joins = append(g.joins, req.RoomID)
		g.mu.Unlock()
		data = protocol.Result{Success: true}
	case protocol.OpRoomLeave:
		data = protocol.Result{Success: true}
	case protocol.OpMessageSend:
		var req protocol.SendMessageRequest
		_ = json.Unmarshal(f.Data, &req)
		if req.Content == "" {
			data = protocol.Result{Error: "content is required"}
		} else {
			data = protocol.Result{Success: true, MessageID: 99}
		}
	case protocol.OpNotificationRead:
		data = protocol.Result{Success: true}
	case protocol.OpPresenceOnline:
		data = protocol.OnlineUsers{UserIDs: []int64{2, 42}}
	default:
		data = protocol.Result{Error: "unknown operation " + f.Op}
	}

	resp, err := protocol.EncodeResponse(f.ID, data)
	require.NoError(g.t, err)
	return resp
}

// push sends an event to every live connection.
func (g *fakeGateway) push(event string, data any) {
	frame, err := protocol.EncodeEvent(event, data)
	require.NoError(g.t, err)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.write(frame)
	}
	for _, p := range g.polls {
		if !p.gone.Load() {
			p.queue <- frame
		}
	}
}

// dropAll kills every connection without a close handshake.
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		_ = c.ws.Close()
	}
	g.conns = nil
	for _, p := range g.polls {
		p.gone.Store(true)
	}
}

func (g *fakeGateway) joined() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.joins...)
}

type clientOption func(*Config)

func withToken(token string) clientOption {
	return func(c *Config) { c.Tokens = StaticToken(token) }
}

func withPolling() clientOption {
	return func(c *Config) { c.PollingFallback = true }
}

func newTestClient(t *testing.T, g *fakeGateway, opts ...clientOption) *Client {
	t.Helper()
	cfg := Config{
		URL:              g.server.URL,
		Tokens:           StaticToken("sess_abc"),
		RequestTimeout:   2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recorder collects callback invocations from the dispatch goroutine.
type recorder struct {
	mu    sync.Mutex
	items []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, s)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}
