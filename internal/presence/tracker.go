// Package presence tracks which users are connected to this gateway instance and aggregates
// that view across instances through a shared PresenceStore.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/registry"
	"github.com/jonboulle/clockwork"
)

const (
	storeTimeout = 2 * time.Second
	stopTimeout  = 10 * time.Second
	queryTimeout = 5 * time.Second
)

// Announcer publishes user:online / user:offline to every gateway.
type Announcer interface {
	PublishPresence(ctx context.Context, user domain.UserID, online bool) error
}

// Binder adds and removes per-user broker bindings in direct routing mode.
type Binder interface {
	BindUser(user domain.UserID) error
	UnbindUser(user domain.UserID) error
}

type trackerCmd interface{ isTrackerCmd() }

type baseTrackerCmd struct{}

func (baseTrackerCmd) isTrackerCmd() {}

type connectedCmd struct {
	baseTrackerCmd
	user domain.UserID
}

type disconnectedCmd struct {
	baseTrackerCmd
	user domain.UserID
}

type localCountCmd struct {
	baseTrackerCmd
	reply chan int
}

type stopCmd struct {
	baseTrackerCmd
}

type Config struct {
	ServerID  string
	Heartbeat time.Duration
}

// Tracker is an actor fed by registry hooks. It keeps the instance presence set in the store
// up to date, announces transitions and, in direct mode, maintains broker bindings.
type Tracker struct {
	cmdCh     chan trackerCmd
	clock     clockwork.Clock
	cfg       Config
	registry  *registry.Registry
	store     domain.PresenceStore
	announcer Announcer
	binder    Binder
	metrics   *metrics.StoreMetrics
	logger    *slog.Logger
	done      chan struct{}

	// owned by the run goroutine
	local map[domain.UserID]struct{}
}

var _ domain.PresenceQuery = (*Tracker)(nil)

// NewTracker starts the actor. binder may be nil in broadcast routing mode.
func NewTracker(cfg Config, reg *registry.Registry, store domain.PresenceStore, announcer Announcer, binder Binder, m *metrics.StoreMetrics, clock clockwork.Clock) *Tracker {
	if reg == nil || store == nil || announcer == nil || m == nil {
		panic("presence: nil dependency")
	}
	t := &Tracker{
		cmdCh:     make(chan trackerCmd, 1024),
		clock:     clock,
		cfg:       cfg,
		registry:  reg,
		store:     store,
		announcer: announcer,
		binder:    binder,
		metrics:   m,
		logger:    slog.Default().With("component", "presence", "server_id", cfg.ServerID),
		done:      make(chan struct{}),
		local:     make(map[domain.UserID]struct{}),
	}
	go t.run()
	return t
}

// UserConnected is the registry's first-connection hook.
func (t *Tracker) UserConnected(user domain.UserID) {
	t.enqueue(connectedCmd{user: user}, user)
}

// UserDisconnected is the registry's last-disconnection hook.
func (t *Tracker) UserDisconnected(user domain.UserID) {
	t.enqueue(disconnectedCmd{user: user}, user)
}

// enqueue never blocks the registry caller. A dropped event is repaired by the next heartbeat,
// which reconciles against the registry.
func (t *Tracker) enqueue(cmd trackerCmd, user domain.UserID) {
	select {
	case <-t.done:
		t.metrics.PresenceDropped.WithLabelValues("stopped").Inc()
		return
	default:
	}

	select {
	case t.cmdCh <- cmd:
	default:
		t.metrics.PresenceDropped.WithLabelValues("queue_full").Inc()
		t.logger.Warn("Presence event dropped, queue full", "user_id", user, "command_type", fmt.Sprintf("%T", cmd))
	}
}

// LocalCount returns how many users this instance currently reports online, or -1 on timeout.
func (t *Tracker) LocalCount() int {
	reply := make(chan int, 1)
	t.cmdCh <- localCountCmd{reply: reply}

	timer := t.clock.NewTimer(queryTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		return -1
	}
}

// OnlineUsers answers from the shared store and falls back to this instance's registry.
func (t *Tracker) OnlineUsers(ctx context.Context) []domain.UserID {
	users, err := t.store.OnlineUsers(ctx)
	if err != nil {
		t.logger.WarnContext(ctx, "Presence store unavailable, answering from local registry", "error", err)
		return t.registry.ConnectedUserIDs()
	}
	return users
}

func (t *Tracker) IsOnline(ctx context.Context, user domain.UserID) bool {
	if t.registry.IsConnected(user) {
		return true
	}
	online, err := t.store.IsOnline(ctx, user)
	if err != nil {
		t.logger.WarnContext(ctx, "Presence store unavailable", "user_id", user, "error", err)
		return false
	}
	return online
}

// Stop removes this instance from the store and waits for the actor to exit.
// Queued hook commands are processed first.
func (t *Tracker) Stop() {
	t.cmdCh <- stopCmd{}

	timeout := t.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-t.done:
		t.logger.Info("Presence tracker stopped")
	case <-timeout.Chan():
		t.logger.Warn("Presence tracker stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (t *Tracker) run() {
	defer close(t.done)

	ticker := t.clock.NewTicker(t.cfg.Heartbeat)
	defer ticker.Stop()

	t.safely(t.heartbeat)

	for {
		select {
		case cmd := <-t.cmdCh:
			switch c := cmd.(type) {
			case connectedCmd:
				t.safely(func() { t.handleConnected(c.user) })
			case disconnectedCmd:
				t.safely(func() { t.handleDisconnected(c.user) })
			case localCountCmd:
				c.reply <- len(t.local)
			case stopCmd:
				t.safely(t.handleStop)
				return
			default:
				t.logger.Warn("Presence tracker received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		case <-ticker.Chan():
			t.safely(t.heartbeat)
		}
	}
}

// safely keeps the actor alive when a handler panics.
func (t *Tracker) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Presence tracker panic recovered", "panic", r)
		}
	}()
	fn()
}

func (t *Tracker) handleConnected(user domain.UserID) {
	if _, ok := t.local[user]; ok || !t.registry.IsConnected(user) {
		return
	}
	t.markOnline(user)
}

func (t *Tracker) handleDisconnected(user domain.UserID) {
	if _, ok := t.local[user]; !ok || t.registry.IsConnected(user) {
		return
	}
	t.markOffline(user)
}

func (t *Tracker) markOnline(user domain.UserID) {
	t.local[user] = struct{}{}
	t.metrics.PresenceOnlineUsers.Set(float64(len(t.local)))

	if t.binder != nil {
		if err := t.binder.BindUser(user); err != nil {
			t.logger.Warn("Failed to bind user", "user_id", user, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	elsewhere, err := t.store.IsOnline(ctx, user)
	if err != nil {
		elsewhere = false
	}
	t.sync("add", t.store.AddUser(ctx, t.cfg.ServerID, user))

	if !elsewhere {
		t.announce(ctx, user, true)
	}
}

func (t *Tracker) markOffline(user domain.UserID) {
	delete(t.local, user)
	t.metrics.PresenceOnlineUsers.Set(float64(len(t.local)))

	if t.binder != nil {
		if err := t.binder.UnbindUser(user); err != nil {
			t.logger.Warn("Failed to unbind user", "user_id", user, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	elsewhere, err := t.store.RemoveUser(ctx, t.cfg.ServerID, user)
	t.sync("remove", err)
	if err != nil {
		elsewhere = false
	}
	if !elsewhere {
		t.announce(ctx, user, false)
	}
}

func (t *Tracker) announce(ctx context.Context, user domain.UserID, online bool) {
	if err := t.announcer.PublishPresence(ctx, user, online); err != nil {
		t.logger.Warn("Failed to announce presence", "user_id", user, "online", online, "error", err)
	}
}

// heartbeat reconciles the local view with the registry, then rewrites the instance set.
func (t *Tracker) heartbeat() {
	connected := t.registry.ConnectedUserIDs()

	current := make(map[domain.UserID]struct{}, len(connected))
	for _, u := range connected {
		current[u] = struct{}{}
		if _, ok := t.local[u]; !ok {
			t.markOnline(u)
		}
	}
	for u := range t.local {
		if _, ok := current[u]; !ok {
			t.markOffline(u)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	t.sync("heartbeat", t.store.SetInstanceUsers(ctx, t.cfg.ServerID, connected))
}

func (t *Tracker) handleStop() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	t.sync("remove_instance", t.store.RemoveInstance(ctx, t.cfg.ServerID))
}

func (t *Tracker) sync(kind string, err error) {
	status := "success"
	if err != nil {
		status = "error"
		t.logger.Warn("Presence store write failed", "kind", kind, "error", err)
	}
	t.metrics.PresenceSyncs.WithLabelValues(kind, status).Inc()
}
