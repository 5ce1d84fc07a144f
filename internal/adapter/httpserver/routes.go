package httpserver

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/amora/realtime/internal/platform/correlation"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	tokenRateLimit = 5
	tokenRateBurst = 20
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(correlationMiddleware)
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            63072000, // 2 years; only sent over HTTPS
		HSTSPreloadEnabled:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
	}))
	s.echo.Use(s.setupCORSMiddleware())

	s.registerHealthRoutes()
	s.registerTokenRoutes()
	s.registerInternalRoutes()
	s.registerRealtimeRoutes()

	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
}

func (s *Server) registerTokenRoutes() {
	s.echo.GET("/api/realtime/token", s.handleRealtimeToken, newRateLimiter(tokenRateLimit, tokenRateBurst))
}

func (s *Server) registerInternalRoutes() {
	internal := s.echo.Group("/internal", s.requireInternal)
	internal.POST("/session/validate", s.handleValidateSession)
	internal.POST("/events", s.handleIngestEvent)
}

func (s *Server) registerRealtimeRoutes() {
	if s.realtime == nil {
		return
	}

	s.echo.GET("/realtime/ws", echo.WrapHandler(http.HandlerFunc(s.realtime.ServeWS)))
	s.echo.POST("/realtime/poll", echo.WrapHandler(http.HandlerFunc(s.realtime.OpenPoll)))
	s.echo.GET("/realtime/poll/:cid", func(c echo.Context) error {
		s.realtime.Poll(c.Response(), c.Request(), c.Param("cid"))
		return nil
	})
	s.echo.POST("/realtime/poll/:cid", func(c echo.Context) error {
		s.realtime.PollSend(c.Response(), c.Request(), c.Param("cid"))
		return nil
	})
	s.echo.DELETE("/realtime/poll/:cid", func(c echo.Context) error {
		s.realtime.ClosePoll(c.Response(), c.Request(), c.Param("cid"))
		return nil
	})
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			// long polls would flood the log
			return strings.HasPrefix(c.Path(), "/realtime/poll/") || strings.HasPrefix(c.Path(), "/health/")
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", redactedURI(c.Request().URL),
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}

// sensitiveQueryParams carry credentials on handshake URLs and never reach the log.
var sensitiveQueryParams = []string{"token", "session_token"}

func redactedURI(u *url.URL) string {
	q := u.Query()
	redacted := false
	for _, p := range sensitiveQueryParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			redacted = true
		}
	}
	if !redacted {
		return u.RequestURI()
	}
	out := *u
	out.RawQuery = q.Encode()
	return out.RequestURI()
}

func (s *Server) setupCORSMiddleware() echo.MiddlewareFunc {
	var origins []string
	for _, o := range strings.Split(s.config.CORSOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, correlation.Header},
		AllowCredentials: true,
	})
}
