package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/amora/realtime/internal/platform/config"
	"github.com/labstack/echo/v4"
)

// Realtime is the client-facing transport surface mounted under /realtime.
type Realtime interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	OpenPoll(w http.ResponseWriter, r *http.Request)
	Poll(w http.ResponseWriter, r *http.Request, connectionID string)
	PollSend(w http.ResponseWriter, r *http.Request, connectionID string)
	ClosePoll(w http.ResponseWriter, r *http.Request, connectionID string)
}

// SessionCookies reads the session token from the signed HTTP session cookie.
type SessionCookies interface {
	Token(r *http.Request) (domain.SessionToken, bool)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	// sessions must be the local validator, never the HTTP client that calls back into this server
	sessions  domain.SessionValidator
	cookies   SessionCookies
	publisher domain.EventPublisher
	realtime  Realtime

	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler
	healthChecks   []HealthCheck
	startTime      time.Time
}

func NewServer(cfg *config.Config, sessions domain.SessionValidator, cookies SessionCookies, publisher domain.EventPublisher,
	realtime Realtime, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		sessions:       sessions,
		cookies:        cookies,
		publisher:      publisher,
		realtime:       realtime,
		httpMetrics:    httpMetrics,
		metricsHandler: metricsHandler,
		healthChecks:   healthChecks,
		startTime:      time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
