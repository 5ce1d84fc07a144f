package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/amora/realtime/internal/domain"
	apperrors "github.com/amora/realtime/internal/platform/errors"
	"github.com/amora/realtime/internal/session"
	"github.com/labstack/echo/v4"
)

type tokenResponse struct {
	Token string `json:"token"`
}

// handleRealtimeToken hands the caller's own session token back so browser code can pass it to
// the realtime handshake.
func (s *Server) handleRealtimeToken(c echo.Context) error {
	token, ok := s.cookies.Token(c.Request())
	if !ok {
		return apperrors.UnauthorizedError("no session")
	}

	sess, err := s.sessions.Validate(c.Request().Context(), token)
	if err != nil {
		return sessionError(err)
	}
	c.Set(contextKeyUserID, sess.UserID)

	c.Response().Header().Set("Cache-Control", "no-store")
	if err := c.JSON(http.StatusOK, tokenResponse{Token: string(token)}); err != nil {
		return fmt.Errorf("failed to write token response: %w", err)
	}
	return nil
}

// requireInternal admits only callers presenting the internal API key.
func (s *Server) requireInternal(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		marker := c.Request().Header.Get(session.InternalHeader)
		if marker == "" || subtle.ConstantTimeCompare([]byte(marker), []byte(s.config.InternalAPIKey)) != 1 {
			return apperrors.ForbiddenError("internal request marker required")
		}
		return next(c)
	}
}

func (s *Server) handleValidateSession(c echo.Context) error {
	var req session.ValidateRequest
	if err := c.Bind(&req); err != nil || req.SessionToken == "" {
		return apperrors.ValidationError("sessionToken is required")
	}

	sess, err := s.sessions.Validate(c.Request().Context(), domain.SessionToken(req.SessionToken))
	if err != nil {
		return sessionError(err)
	}
	c.Set(contextKeyUserID, sess.UserID)

	resp := session.ValidateResponse{UserID: sess.UserID, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write validation response: %w", err)
	}
	return nil
}

func sessionError(err error) error {
	if errors.Is(err, domain.ErrAuthentication) {
		return apperrors.UnauthorizedError("invalid session")
	}
	return apperrors.UnavailableError("session lookup failed", err)
}
