// Package client is a reconnecting Go client for the realtime gateway.
//
// A Client dials the WebSocket endpoint first and, when allowed, falls back to long polling. Events
// are delivered to handlers registered with On, one at a time and in the order the transport
// received them. Request/response operations fail fast with ErrNotConnected while no transport is up.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amora/realtime/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrOperationTimeout = errors.New("client: operation timed out")
	ErrTransport        = errors.New("client: transport failure")
	ErrAuthFailed       = errors.New("client: authentication failed")
	ErrClosed           = errors.New("client: closed")
)

const (
	defaultRequestTimeout   = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 60 * time.Second
	defaultMaxRetries       = 5
	defaultRetryBackoff     = 2 * time.Second
	eventQueueSize          = 256
)

type Config struct {
	// URL is the gateway's HTTP base URL, e.g. https://realtime.example.com.
	URL    string
	Tokens TokenSource

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	// ReadTimeout closes a WebSocket that has seen neither a frame nor a ping for this long.
	ReadTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	PollingFallback bool

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Handler receives the data of one server event.
type Handler func(data json.RawMessage)

// StateHandler observes state transitions. err is set for transitions caused by a failure.
type StateHandler func(state State, err error)

type event struct {
	name  string
	data  json.RawMessage
	state *stateChange
}

type stateChange struct {
	state State
	err   error
}

// session is one live transport plus its handshake result.
type session struct {
	tr    transport
	ready chan protocol.ConnectionSuccess
	done  chan struct{}
	err   error
}

type Client struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	wsURL   string
	pollURL string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	running bool // a connect attempt or its supervisor is live
	session *session
	info    protocol.ConnectionSuccess
	rooms   map[string]struct{}

	handlersMu    sync.RWMutex
	handlers      map[string][]Handler
	stateHandlers []StateHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingOp
	seq       atomic.Uint64

	events    chan event
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates cfg and starts the client's background goroutines. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("client: token source is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	var wsScheme string
	switch base.Scheme {
	case "http":
		wsScheme = "ws"
	case "https":
		wsScheme = "wss"
	default:
		return nil, fmt.Errorf("client: unsupported url scheme %q", base.Scheme)
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wsURL := *base
	wsURL.Scheme = wsScheme

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "client"),
		wsURL:    wsURL.String() + "/realtime/ws",
		pollURL:  base.String() + "/realtime/poll",
		ctx:      ctx,
		cancel:   cancel,
		rooms:    make(map[string]struct{}),
		handlers: make(map[string][]Handler),
		pending:  make(map[string]*pendingOp),
		events:   make(chan event, eventQueueSize),
		closed:   make(chan struct{}),
	}

	ticker := c.clock.NewTicker(sweepInterval(cfg.RequestTimeout))
	c.wg.Add(1)
	go c.sweep(ticker)
	go c.dispatch()

	return c, nil
}

// On registers h for the named server event. Several handlers may share one event.
func (c *Client) On(name string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[name] = append(c.handlers[name], h)
}

func (c *Client) OnStateChange(h StateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the handshake result of the current connection.
func (c *Client) Info() protocol.ConnectionSuccess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Connect runs one connection attempt and blocks until the gateway acknowledges the handshake or
// the attempt fails. Once connected, dropped transports are re-established in the background.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("client: already connected or connecting")
	}
	c.running = true
	c.mu.Unlock()
	c.setState(StateConnecting, nil)

	s, info, err := c.establish(ctx)
	if err == nil {
		err = c.activate(ctx, s, info)
	}
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.setState(StateError, err)
		return err
	}

	c.wg.Add(1)
	go c.supervise(s)
	return nil
}

// Close tears down the transport, fails outstanding operations with ErrClosed and drops every
// registered handler before returning.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()

		c.mu.Lock()
		s := c.session
		c.session = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		if s != nil {
			s.tr.close()
		}

		c.failPending(ErrClosed)

		c.handlersMu.Lock()
		c.handlers = make(map[string][]Handler)
		c.stateHandlers = nil
		c.handlersMu.Unlock()

		c.wg.Wait()
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// establish dials a transport and waits for connection:success.
func (c *Client) establish(ctx context.Context) (*session, protocol.ConnectionSuccess, error) {
	var none protocol.ConnectionSuccess

	token, err := c.cfg.Tokens(ctx)
	if err != nil {
		return nil, none, fmt.Errorf("fetch token: %w", err)
	}

	tr, err := c.dialWS(ctx, token)
	if err != nil && c.cfg.PollingFallback && !errors.Is(err, ErrAuthFailed) {
		c.logger.Warn("WebSocket unavailable, falling back to long polling", "error", err)
		tr, err = c.dialPoll(ctx, token)
	}
	if err != nil {
		return nil, none, err
	}

	s := &session{tr: tr, ready: make(chan protocol.ConnectionSuccess, 1), done: make(chan struct{})}
	c.wg.Add(1)
	go c.read(s)

	timer := c.clock.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case info := <-s.ready:
		return s, info, nil
	case <-s.done:
		return nil, none, s.err
	case <-timer.Chan():
		tr.close()
		return nil, none, fmt.Errorf("%w: handshake timed out", ErrTransport)
	case <-ctx.Done():
		tr.close()
		return nil, none, ctx.Err()
	}
}

// activate re-joins remembered rooms on s and then publishes it as the current session.
func (c *Client) activate(ctx context.Context, s *session, info protocol.ConnectionSuccess) error {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	for _, room := range rooms {
		var res protocol.Result
		if err := c.roundTrip(ctx, s.tr, protocol.OpRoomJoin, protocol.RoomRequest{RoomID: room}, &res); err != nil {
			c.logger.Warn("Failed to rejoin room", "room_id", room, "error", err)
			continue
		}
		if !res.Success {
			c.logger.Warn("Room rejoin refused", "room_id", room, "error", res.Error)
		}
	}

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		s.tr.close()
		return ErrClosed
	}
	c.session = s
	c.info = info
	c.mu.Unlock()

	c.setState(StateConnected, nil)
	c.logger.Info("Connected", "user_id", info.UserID, "connection_id", info.ConnectionID, "transport", s.tr.name())
	return nil
}

func (c *Client) read(s *session) {
	defer c.wg.Done()
	s.err = s.tr.run(c.ctx, func(frame []byte) { c.receive(s, frame) })
	close(s.done)
}

func (c *Client) receive(s *session, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("Dropping malformed frame", "error", err)
		return
	}

	switch f.Type {
	case protocol.TypeResponse:
		c.resolve(f.ID, f.Data)
	case protocol.TypeEvent:
		if f.Event == protocol.EventConnectionSuccess {
			var info protocol.ConnectionSuccess
			if err := json.Unmarshal(f.Data, &info); err == nil {
				select {
				case s.ready <- info:
				default:
				}
			}
		}
		c.enqueue(event{name: f.Event, data: f.Data})
	default:
		c.logger.Debug("Ignoring frame", "type", f.Type)
	}
}

// supervise waits for the session to end and drives reconnection.
func (c *Client) supervise(s *session) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
		case <-c.closed:
			return
		}
		if c.isClosed() {
			return
		}

		err := s.err
		c.mu.Lock()
		if c.session == s {
			c.session = nil
		}
		c.mu.Unlock()
		c.failPending(fmt.Errorf("%w: connection lost", ErrTransport))

		if errors.Is(err, ErrAuthFailed) {
			c.setState(StateError, err)
			return
		}
		c.logger.Warn("Connection lost", "error", err)
		c.setState(StateDisconnected, err)

		next, err := c.reconnect()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				c.setState(StateError, err)
			}
			return
		}
		s = next
	}
}

// reconnect retries with a fixed backoff up to MaxRetries attempts.
func (c *Client) reconnect() (*session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		backoff := c.clock.NewTimer(c.cfg.RetryBackoff)
		select {
		case <-backoff.Chan():
		case <-c.closed:
			backoff.Stop()
			return nil, ErrClosed
		}

		c.setState(StateConnecting, nil)
		s, info, err := c.establish(c.ctx)
		if err == nil {
			if err = c.activate(c.ctx, s, info); err == nil {
				c.logger.Info("Reconnected", "attempt", attempt)
				return s, nil
			}
		}
		if c.isClosed() {
			return nil, ErrClosed
		}
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		lastErr = err
		c.logger.Warn("Reconnect attempt failed", "attempt", attempt, "max_retries", c.cfg.MaxRetries, "error", err)
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts: %v", ErrTransport, c.cfg.MaxRetries, lastErr)
}

func (c *Client) setState(state State, err error) {
	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.enqueue(event{state: &stateChange{state: state, err: err}})
}

func (c *Client) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// dispatch is the only goroutine that runs user callbacks.
func (c *Client) dispatch() {
	for {
		select {
		case ev := <-c.events:
			c.deliver(ev)
		case <-c.closed:
			return
		}
	}
}

func (c *Client) deliver(ev event) {
	c.handlersMu.RLock()
	var (
		handlers      []Handler
		stateHandlers []StateHandler
	)
	if ev.state != nil {
		stateHandlers = append(stateHandlers, c.stateHandlers...)
	} else {
		handlers = append(handlers, c.handlers[ev.name]...)
	}
	c.handlersMu.RUnlock()

	for _, h := range stateHandlers {
		c.safely(ev.state.state.String(), func() { h(ev.state.state, ev.state.err) })
	}
	for _, h := range handlers {
		c.safely(ev.name, func() { h(ev.data) })
	}
}

func (c *Client) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", "event", name, "panic", r)
		}
	}()
	fn()
}
