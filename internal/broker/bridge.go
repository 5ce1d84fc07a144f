package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/platform/correlation"
	"github.com/amora/realtime/internal/platform/retry"
	"github.com/amora/realtime/internal/platform/version"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch       = 64
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
	queueDeleteTimeout    = 5 * time.Second
)

type Config struct {
	URL                   string
	VHost                 string
	ServerID              string
	Heartbeat             time.Duration
	ConnectTimeout        time.Duration
	PublishTimeout        time.Duration
	QueueExpiry           time.Duration
	ReconnectAttempts     int // 0 retries forever
	ReconnectBackoff      time.Duration
	ReconnectMaxBackoff   time.Duration
	Prefetch              int
	DeleteQueueOnShutdown bool
}

// Bridge owns this process's AMQP connection. It publishes envelopes, consumes the process queue
// sequentially into an EnvelopeHandler and keeps the topology declared across reconnects.
type Bridge struct {
	cfg      Config
	topology Topology
	handler  domain.EnvelopeHandler
	metrics  *metrics.BrokerMetrics
	logger   *slog.Logger

	mu        sync.RWMutex
	session   *session
	available atomic.Bool
	pubMu     sync.Mutex

	bindMu   sync.Mutex
	bindings map[domain.UserID]struct{}

	ready     chan struct{}
	readyOnce sync.Once
}

type session struct {
	conn       *amqp.Connection
	ctl        *amqp.Channel
	pub        *amqp.Channel
	sub        *amqp.Channel
	deliveries <-chan amqp.Delivery
	connClosed chan *amqp.Error
	ctlClosed  chan *amqp.Error
	pubClosed  chan *amqp.Error
	subClosed  chan *amqp.Error
}

func (s *session) close() {
	if s.conn != nil && !s.conn.IsClosed() {
		_ = s.conn.Close()
	}
}

func NewBridge(cfg Config, handler domain.EnvelopeHandler, m *metrics.BrokerMetrics) *Bridge {
	if handler == nil {
		panic("broker: nil envelope handler")
	}
	if m == nil {
		panic("broker: nil metrics")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultInitialBackoff
	}
	if cfg.ReconnectMaxBackoff <= 0 {
		cfg.ReconnectMaxBackoff = defaultMaxBackoff
	}
	return &Bridge{
		cfg:      cfg,
		topology: NewTopology(cfg.ServerID, cfg.QueueExpiry),
		handler:  handler,
		metrics:  m,
		logger:   slog.Default().With("component", "broker", "server_id", cfg.ServerID),
		bindings: make(map[domain.UserID]struct{}),
		ready:    make(chan struct{}),
	}
}

// Topology returns the layout this bridge declares.
func (b *Bridge) Topology() Topology {
	return b.topology
}

// Available reports whether publishes can currently reach the broker.
func (b *Bridge) Available() bool {
	return b.available.Load()
}

// Ready is closed after the first successful connect.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Check is a readiness probe.
func (b *Bridge) Check(context.Context) error {
	if !b.Available() {
		return domain.ErrBrokerUnavailable
	}
	return nil
}

// Run connects, consumes and reconnects until ctx is cancelled or reconnect attempts are exhausted.
func (b *Bridge) Run(ctx context.Context) error {
	connectedBefore := false
	for {
		s, err := b.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broker connect: %w", err)
		}

		if connectedBefore {
			b.metrics.Reconnects.Inc()
			b.logger.Info("Broker reconnected")
		} else {
			b.logger.Info("Broker connected", "queue", b.topology.Queue)
		}
		connectedBefore = true

		b.setSession(s)
		err = b.serve(ctx, s)
		b.setSession(nil)

		if ctx.Err() != nil {
			b.shutdown(s)
			return nil
		}
		s.close()
		b.logger.Warn("Broker connection lost, reconnecting", "error", err)
	}
}

func (b *Bridge) connect(ctx context.Context) (*session, error) {
	policy := retry.Policy{
		MaxAttempts:    b.cfg.ReconnectAttempts,
		InitialBackoff: b.cfg.ReconnectBackoff,
		MaxBackoff:     b.cfg.ReconnectMaxBackoff,
		SlowBackoff:    b.cfg.ReconnectMaxBackoff,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			b.logger.Warn("Broker connect failed", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	return retry.Do(ctx, policy, classifyConnectError, b.open)
}

// classifyConnectError stops on errors no reconnect can fix and slows down when the broker
// closed us on purpose.
func classifyConnectError(err error) retry.Action {
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return retry.Retry
	}
	switch amqpErr.Code {
	case amqp.AccessRefused, amqp.NotAllowed:
		return retry.Stop
	case amqp.ConnectionForced, amqp.ResourceError:
		return retry.After
	}
	return retry.Retry
}

func (b *Bridge) open() (*session, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(version.Product() + "@" + b.cfg.ServerID)

	amqpCfg := amqp.Config{
		Heartbeat:  b.cfg.Heartbeat,
		Vhost:      b.cfg.VHost,
		Properties: props,
	}
	if b.cfg.ConnectTimeout > 0 {
		amqpCfg.Dial = amqp.DefaultDial(b.cfg.ConnectTimeout)
	}

	conn, err := amqp.DialConfig(b.cfg.URL, amqpCfg)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	s := &session{conn: conn, connClosed: conn.NotifyClose(make(chan *amqp.Error, 1))}

	if err := b.openChannels(s); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (b *Bridge) openChannels(s *session) error {
	var err error
	if s.ctl, err = s.conn.Channel(); err != nil {
		return fmt.Errorf("open control channel: %w", err)
	}
	s.ctlClosed = s.ctl.NotifyClose(make(chan *amqp.Error, 1))

	if err := b.topology.Declare(s.ctl); err != nil {
		return err
	}
	if err := b.reapplyBindings(s.ctl); err != nil {
		return err
	}

	if s.pub, err = s.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	s.pubClosed = s.pub.NotifyClose(make(chan *amqp.Error, 1))
	if err := s.pub.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	if s.sub, err = s.conn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	s.subClosed = s.sub.NotifyClose(make(chan *amqp.Error, 1))
	if err := s.sub.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if s.deliveries, err = s.sub.Consume(b.topology.Queue, b.cfg.ServerID, false, false, false, false, nil); err != nil {
		return fmt.Errorf("consume %s: %w", b.topology.Queue, err)
	}
	return nil
}

func (b *Bridge) setSession(s *session) {
	b.mu.Lock()
	b.session = s
	b.mu.Unlock()

	up := s != nil
	b.available.Store(up)
	if up {
		b.metrics.Connected.Set(1)
		b.readyOnce.Do(func() { close(b.ready) })
	} else {
		b.metrics.Connected.Set(0)
	}
}

func (b *Bridge) currentSession() *session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// serve pumps deliveries into the handler one at a time until the session dies or ctx ends.
func (b *Bridge) serve(ctx context.Context, s *session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.connClosed:
			return closeReason("connection", err)
		case err := <-s.ctlClosed:
			return closeReason("control channel", err)
		case err := <-s.pubClosed:
			return closeReason("publish channel", err)
		case err := <-s.subClosed:
			return closeReason("consume channel", err)
		case d, ok := <-s.deliveries:
			if !ok {
				return errors.New("delivery stream closed")
			}
			b.handleDelivery(ctx, d)
		}
	}
}

func closeReason(what string, err *amqp.Error) error {
	if err == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, err)
}

func (b *Bridge) handleDelivery(ctx context.Context, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.DispatchPanics.Inc()
			b.logger.Error("Envelope dispatch panic recovered", "panic", r, "message_id", d.MessageId)
			_ = d.Nack(false, false)
		}
	}()

	b.metrics.Consumed.Inc()

	var env domain.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil || env.ID == "" {
		b.metrics.Rejected.Inc()
		b.logger.Warn("Dropping undecodable delivery", "routing_key", d.RoutingKey, "message_id", d.MessageId, "error", err)
		_ = d.Reject(false)
		return
	}

	if d.CorrelationId != "" {
		ctx = correlation.WithID(ctx, d.CorrelationId)
	}
	b.handler.HandleEnvelope(ctx, env)

	if err := d.Ack(false); err != nil {
		b.logger.Warn("Ack failed", "envelope_id", env.ID, "error", err)
	}
}

// Publish sends env to exchange with routingKey and waits for the broker confirm.
// While disconnected it fails immediately with domain.ErrBrokerUnavailable.
func (b *Bridge) Publish(ctx context.Context, exchange, routingKey string, env domain.Envelope) error {
	if len(routingKey) > domain.MaxRoutingKeyLen {
		b.metrics.PublishFailures.WithLabelValues("error").Inc()
		return fmt.Errorf("publish %q: %w", routingKey[:32], domain.ErrRoutingKeyTooLong)
	}

	s := b.currentSession()
	if s == nil || !b.available.Load() {
		b.metrics.PublishFailures.WithLabelValues("unavailable").Inc()
		return domain.ErrBrokerUnavailable
	}

	body, err := json.Marshal(env)
	if err != nil {
		b.metrics.PublishFailures.WithLabelValues("error").Inc()
		return fmt.Errorf("encode envelope: %w", err)
	}

	if b.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    env.Timestamp,
		AppId:        b.cfg.ServerID,
		Type:         string(env.EventType),
		Body:         body,
	}
	if id, ok := correlation.ID(ctx); ok {
		msg.CorrelationId = id
	}

	b.pubMu.Lock()
	confirm, err := s.pub.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	b.pubMu.Unlock()
	if err != nil {
		b.metrics.PublishFailures.WithLabelValues("unavailable").Inc()
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}

	if confirm != nil {
		acked, err := confirm.WaitContext(ctx)
		if err != nil {
			b.metrics.PublishFailures.WithLabelValues("unavailable").Inc()
			return fmt.Errorf("%w: awaiting confirm: %v", domain.ErrBrokerUnavailable, err)
		}
		if !acked {
			b.metrics.PublishFailures.WithLabelValues("nack").Inc()
			return fmt.Errorf("broker rejected envelope %s", env.ID)
		}
	}

	b.metrics.Published.WithLabelValues(string(env.EventType)).Inc()
	return nil
}

// BindUser routes user-addressed envelopes on the direct exchange to this process.
// The binding is remembered and re-applied after reconnects.
func (b *Bridge) BindUser(u domain.UserID) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	if _, ok := b.bindings[u]; ok {
		return nil
	}
	b.bindings[u] = struct{}{}
	b.metrics.DirectBindings.Set(float64(len(b.bindings)))

	s := b.currentSession()
	if s == nil {
		return nil
	}
	if err := s.ctl.QueueBind(b.topology.Queue, domain.UserRoutingKey(u), ExchangeDirect, false, nil); err != nil {
		return fmt.Errorf("bind user %s: %w", u, err)
	}
	return nil
}

func (b *Bridge) UnbindUser(u domain.UserID) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	if _, ok := b.bindings[u]; !ok {
		return nil
	}
	delete(b.bindings, u)
	b.metrics.DirectBindings.Set(float64(len(b.bindings)))

	s := b.currentSession()
	if s == nil {
		return nil
	}
	if err := s.ctl.QueueUnbind(b.topology.Queue, domain.UserRoutingKey(u), ExchangeDirect, nil); err != nil {
		return fmt.Errorf("unbind user %s: %w", u, err)
	}
	return nil
}

func (b *Bridge) reapplyBindings(ch declarer) error {
	b.bindMu.Lock()
	defer b.bindMu.Unlock()

	for u := range b.bindings {
		if err := ch.QueueBind(b.topology.Queue, domain.UserRoutingKey(u), ExchangeDirect, false, nil); err != nil {
			return fmt.Errorf("rebind user %s: %w", u, err)
		}
	}
	return nil
}

// shutdown cancels the consumer and optionally removes the process queue before closing.
func (b *Bridge) shutdown(s *session) {
	defer s.close()

	if s.sub != nil {
		_ = s.sub.Cancel(b.cfg.ServerID, false)
	}
	if !b.cfg.DeleteQueueOnShutdown || s.ctl == nil {
		return
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.ctl.QueueDelete(b.topology.Queue, false, false, false)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("Failed to delete gateway queue", "queue", b.topology.Queue, "error", err)
			return
		}
		b.logger.Info("Gateway queue deleted", "queue", b.topology.Queue)
	case <-time.After(queueDeleteTimeout):
		b.logger.Warn("Timed out deleting gateway queue", "queue", b.topology.Queue)
	}
}
