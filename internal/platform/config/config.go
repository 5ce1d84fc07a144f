package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	ServerID  string `env:"SERVER_ID"`

	DatabaseURL         string        `env:"DATABASE_URL"`
	DBMaxConns          int32         `env:"DB_MAX_CONNS" default:"20"`
	DBMinConns          int32         `env:"DB_MIN_CONNS" default:"2"`
	RedisURL            string        `env:"REDIS_URL"`
	SessionSecret       string        `env:"SESSION_SECRET"`
	InternalAPIKey      string        `env:"INTERNAL_API_KEY"`
	SessionValidatorURL string        `env:"SESSION_VALIDATOR_URL"`
	SessionCacheTTL     time.Duration `env:"SESSION_CACHE_TTL" default:"1m"`

	AMQPHost                string        `env:"AMQP_HOST" default:"localhost"`
	AMQPPort                int           `env:"AMQP_PORT" default:"5672"`
	AMQPUser                string        `env:"AMQP_USER" default:"guest"`
	AMQPPassword            string        `env:"AMQP_PASSWORD" default:"guest"`
	AMQPVHost               string        `env:"AMQP_VHOST" default:"/"`
	AMQPHeartbeat           time.Duration `env:"AMQP_HEARTBEAT" default:"10s"`
	AMQPConnectTimeout      time.Duration `env:"AMQP_CONNECT_TIMEOUT" default:"5s"`
	AMQPPublishTimeout      time.Duration `env:"AMQP_PUBLISH_TIMEOUT" default:"3s"`
	AMQPQueueExpiry         time.Duration `env:"AMQP_QUEUE_EXPIRY" default:"30m"`
	AMQPReconnectAttempts   int           `env:"AMQP_RECONNECT_ATTEMPTS" default:"0"`
	AMQPReconnectMaxBackoff time.Duration `env:"AMQP_RECONNECT_MAX_BACKOFF" default:"30s"`

	RoutingMode string        `env:"ROUTING_MODE" default:"broadcast"`
	DedupWindow time.Duration `env:"DEDUP_WINDOW" default:"2m"`

	CORSOrigin          string        `env:"CORS_ORIGIN" default:"http://localhost:3000"`
	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" default:"60s"`
	WSHandshakeTimeout  time.Duration `env:"WS_HANDSHAKE_TIMEOUT" default:"10s"`
	WSTransports        string        `env:"WS_TRANSPORTS" default:"websocket,polling"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
	OpsPerSecond        float64 `env:"OPS_PER_SECOND" default:"20"`

	PresenceHeartbeat       time.Duration `env:"PRESENCE_HEARTBEAT" default:"15s"`
	PresenceTTL             time.Duration `env:"PRESENCE_TTL" default:"45s"`
	PresenceCleanupInterval time.Duration `env:"PRESENCE_CLEANUP_INTERVAL" default:"1m"`

	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.ServerID == "" {
		cfg.ServerID = defaultServerID()
	}
	if cfg.SessionValidatorURL == "" {
		cfg.SessionValidatorURL = "http://127.0.0.1:" + cfg.Port
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AMQPURL assembles the broker URL from its parts. The vhost is passed separately in amqp.Config.
func (c *Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.AMQPUser, c.AMQPPassword),
		Host:   fmt.Sprintf("%s:%d", c.AMQPHost, c.AMQPPort),
	}
	return u.String()
}

// Transports returns the enabled client transports in preference order.
func (c *Config) Transports() []string {
	var out []string
	for _, t := range strings.Split(c.WSTransports, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) WebSocketEnabled() bool {
	return slices.Contains(c.Transports(), "websocket")
}

func (c *Config) PollingEnabled() bool {
	return slices.Contains(c.Transports(), "polling")
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL":     cfg.DatabaseURL,
		"REDIS_URL":        cfg.RedisURL,
		"SESSION_SECRET":   cfg.SessionSecret,
		"INTERNAL_API_KEY": cfg.InternalAPIKey,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	if len(cfg.InternalAPIKey) < 16 {
		return errors.New("INTERNAL_API_KEY must be at least 16 characters")
	}

	switch cfg.RoutingMode {
	case "broadcast", "direct":
	default:
		return fmt.Errorf("ROUTING_MODE must be broadcast or direct, got %q", cfg.RoutingMode)
	}

	transports := cfg.Transports()
	if len(transports) == 0 {
		return errors.New("WS_TRANSPORTS must list at least one transport")
	}
	for _, t := range transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("unknown transport %q in WS_TRANSPORTS", t)
		}
	}

	if cfg.WSHeartbeatTimeout <= cfg.WSHeartbeatInterval {
		return errors.New("WS_HEARTBEAT_TIMEOUT must be greater than WS_HEARTBEAT_INTERVAL")
	}
	if cfg.PresenceTTL <= cfg.PresenceHeartbeat {
		return errors.New("PRESENCE_TTL must be greater than PRESENCE_HEARTBEAT")
	}
	if cfg.DBMaxConns <= 0 || cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed a positive DB_MAX_CONNS (%d)", cfg.DBMinConns, cfg.DBMaxConns)
	}

	if cfg.AppEnv == "production" {
		if mode := sslMode(cfg.DatabaseURL); mode == "disable" || mode == "allow" {
			return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
		}
	}

	return nil
}

func sslMode(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Query().Get("sslmode"))
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gateway"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
