package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amora/realtime/internal/adapter/httpserver"
	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/adapter/postgres"
	"github.com/amora/realtime/internal/adapter/redis"
	"github.com/amora/realtime/internal/broker"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/gateway"
	"github.com/amora/realtime/internal/platform/config"
	"github.com/amora/realtime/internal/platform/logging"
	"github.com/amora/realtime/internal/platform/version"
	"github.com/amora/realtime/internal/presence"
	"github.com/amora/realtime/internal/publisher"
	"github.com/amora/realtime/internal/registry"
	"github.com/amora/realtime/internal/session"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout     = 10 * time.Second
	bridgeStopTimeout   = 10 * time.Second
	brokerReadyTimeout  = 30 * time.Second
	startupProbeTimeout = 10 * time.Second
	janitorLeaseKey     = "leader:presence-janitor"
)

type collaborators struct {
	server      *httpserver.Server
	connections *registry.Registry
	tracker     *presence.Tracker
	cancel      context.CancelFunc
	bridgeDone  <-chan error
}

func runGracefulShutdown(c collaborators) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		var bridgeErr error
		bridgeStopped := false
		select {
		case <-sigChan:
			slog.Info("Shutdown signal received, cleaning up...")
		case bridgeErr = <-c.bridgeDone:
			bridgeStopped = true
			slog.Error("Broker bridge stopped, shutting down", "error", bridgeErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Shutdown stops the listener at once but waits for in-flight long polls, which only
		// return once their connections are closed below.
		serverDone := make(chan error, 1)
		go func() { serverDone <- c.server.Shutdown(shutdownCtx) }()

		closed := c.connections.CloseAll(gateway.ReasonShutdown)
		slog.Info("Closed client connections", "count", closed)

		if err := <-serverDone; err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		c.tracker.Stop()

		c.cancel()
		if !bridgeStopped {
			select {
			case err := <-c.bridgeDone:
				if err != nil {
					slog.Error("Broker bridge error", "error", err)
				}
			case <-time.After(bridgeStopTimeout):
				slog.Warn("Broker bridge did not stop in time")
			}
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, m *metrics.StoreMetrics) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	defer cancel()

	pool, err := postgres.Connect(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config, m *metrics.StoreMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	defer cancel()

	client, err := redis.NewClient(ctx, cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func bridgeConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		URL:                   cfg.AMQPURL(),
		VHost:                 cfg.AMQPVHost,
		ServerID:              cfg.ServerID,
		Heartbeat:             cfg.AMQPHeartbeat,
		ConnectTimeout:        cfg.AMQPConnectTimeout,
		PublishTimeout:        cfg.AMQPPublishTimeout,
		QueueExpiry:           cfg.AMQPQueueExpiry,
		ReconnectAttempts:     cfg.AMQPReconnectAttempts,
		ReconnectMaxBackoff:   cfg.AMQPReconnectMaxBackoff,
		DeleteQueueOnShutdown: true,
	}
}

// waitForBroker blocks until the bridge has declared its topology once.
func waitForBroker(bridge *broker.Bridge, bridgeDone <-chan error) {
	select {
	case <-bridge.Ready():
	case err := <-bridgeDone:
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	case <-time.After(brokerReadyTimeout):
		slog.Error("Timed out waiting for broker", "timeout", brokerReadyTimeout)
		os.Exit(1)
	}
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Gateway starting", "env", cfg.AppEnv, "port", cfg.Port, "server_id", cfg.ServerID,
		"version", version.Version, "routing_mode", cfg.RoutingMode)

	promRegistry := metrics.NewRegistry()
	storeMetrics := metrics.NewStoreMetrics(promRegistry)
	brokerMetrics := metrics.NewBrokerMetrics(promRegistry)
	gatewayMetrics := metrics.NewGatewayMetrics(promRegistry)
	httpMetrics := metrics.NewHTTPMetrics(promRegistry)

	pool := setupDB(cfg, storeMetrics)
	defer pool.Close()

	redisClient := setupRedis(cfg, storeMetrics)
	defer func() { _ = redisClient.Close() }()

	// The local service backs the internal endpoint; the gateway itself validates through the
	// HTTP client like any other consumer of that endpoint.
	sessions := session.NewService(postgres.NewSessionRepo(pool), redis.NewSessionCache(redisClient), cfg.SessionCacheTTL, storeMetrics)
	cookies := session.NewCookieStore(cfg.SessionSecret, cfg.SessionMaxAge, cfg.AppEnv == "production")
	validator := session.NewClient(cfg.SessionValidatorURL, cfg.InternalAPIKey, storeMetrics)

	connections := registry.New()
	dispatcher := broker.NewDispatcher(connections, broker.NewDedupWindow(cfg.DedupWindow, clock), brokerMetrics)
	bridge := broker.NewBridge(bridgeConfig(cfg), dispatcher, brokerMetrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bridgeDone := make(chan error, 1)
	go func() { bridgeDone <- bridge.Run(ctx) }()
	waitForBroker(bridge, bridgeDone)

	mode := domain.RoutingMode(cfg.RoutingMode)
	events := publisher.New(bridge, cfg.ServerID, mode, clock)

	presenceStore := redis.NewPresenceStore(redisClient, cfg.PresenceTTL, clock)

	var binder presence.Binder
	if mode == domain.RoutingDirect {
		binder = bridge
	}
	tracker := presence.NewTracker(
		presence.Config{ServerID: cfg.ServerID, Heartbeat: cfg.PresenceHeartbeat},
		connections,
		presenceStore,
		events,
		binder,
		storeMetrics,
		clock,
	)
	connections.SetHooks(tracker.UserConnected, tracker.UserDisconnected)

	if cfg.PresenceCleanupInterval > 0 {
		lease := redis.NewLeaderLease(redisClient, janitorLeaseKey, cfg.ServerID, 2*cfg.PresenceCleanupInterval)
		go presence.NewJanitor(presenceStore, lease, cfg.PresenceCleanupInterval, storeMetrics, clock).Run(ctx)
	}

	gw := gateway.New(gateway.Config{
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		HeartbeatTimeout:  cfg.WSHeartbeatTimeout,
		HandshakeTimeout:  cfg.WSHandshakeTimeout,
		OpsPerSecond:      cfg.OpsPerSecond,
		AllowedOrigins:    cfg.CORSOrigin,
		Development:       cfg.AppEnv == "development",
		WebSocketEnabled:  cfg.WebSocketEnabled(),
		PollingEnabled:    cfg.PollingEnabled(),
	}, gateway.Deps{
		Registry:      connections,
		Validator:     validator,
		Cookies:       cookies,
		Publisher:     events,
		Messages:      postgres.NewMessageRepo(pool),
		Notifications: postgres.NewNotificationRepo(pool),
		Presence:      tracker,
		Limits:        gateway.NewLimits(int64(cfg.MaxConnections), cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst, clock),
		Metrics:       gatewayMetrics,
		Clock:         clock,
	})
	go gw.Run(ctx)

	healthChecks := []httpserver.HealthCheck{
		{Name: "postgres", Check: postgres.Check(pool)},
		{Name: "redis", Check: redis.Check(redisClient)},
		{Name: "broker", Check: bridge.Check},
	}
	srv := httpserver.NewServer(cfg, sessions, cookies, events, gw, httpMetrics, metrics.Handler(promRegistry), healthChecks)

	done := runGracefulShutdown(collaborators{
		server:      srv,
		connections: connections,
		tracker:     tracker,
		cancel:      cancel,
		bridgeDone:  bridgeDone,
	})

	slog.Info("Server starting", "port", cfg.Port, "transports", cfg.Transports())
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
