package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amora/realtime/internal/platform/correlation"
	apperrors "github.com/amora/realtime/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMiddleware(t *testing.T, fn echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/internal/events", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set(contextKeyUserID, int64(42))

	require.NoError(t, ErrorHandlingMiddleware()(fn)(c))
	return rec
}

func TestErrorHandlingMiddleware_StructuredErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   apperrors.ErrorType
		wantMsg    string
	}{
		{"validation", apperrors.ValidationError("eventType is required"), http.StatusBadRequest, apperrors.TypeValidation, "eventType is required"},
		{"unauthorized", apperrors.UnauthorizedError("invalid session"), http.StatusUnauthorized, apperrors.TypeUnauthorized, "invalid session"},
		{"forbidden", apperrors.ForbiddenError("internal marker required"), http.StatusForbidden, apperrors.TypeForbidden, "internal marker required"},
		{"not found", apperrors.NotFoundError("missing"), http.StatusNotFound, apperrors.TypeNotFound, "missing"},
		{"conflict", apperrors.ConflictError("duplicate"), http.StatusConflict, apperrors.TypeConflict, "duplicate"},
		{"unavailable", apperrors.UnavailableError("broker unavailable", errors.New("dial tcp")), http.StatusServiceUnavailable, apperrors.TypeUnavailable, "broker unavailable"},
		{"external", apperrors.ExternalError("validator failed", errors.New("timeout")), http.StatusBadGateway, apperrors.TypeExternal, "validator failed"},
		{"wrapped structured", errors.Join(errors.New("outer"), apperrors.ValidationError("inner")), http.StatusBadRequest, apperrors.TypeValidation, "inner"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, apperrors.TypeInternal, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runMiddleware(t, func(echo.Context) error { return tt.err })

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, tt.wantMsg, resp.Error)
		})
	}
}

func TestErrorHandlingMiddleware_ContextFields(t *testing.T) {
	rec := runMiddleware(t, func(echo.Context) error {
		return apperrors.ValidationError("unknown event type").WithContext("event_type", "like")
	})

	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "like", resp.Context["event_type"])
}

func TestErrorHandlingMiddleware_PassesThrough(t *testing.T) {
	rec := runMiddleware(t, func(c echo.Context) error { return c.NoContent(http.StatusAccepted) })
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHandlingMiddleware_EchoErrorsKeepStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   apperrors.ErrorType
		wantMsg    string
	}{
		{"method not allowed", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, apperrors.TypeValidation, "Method Not Allowed"},
		{"unknown route", echo.ErrNotFound, http.StatusNotFound, apperrors.TypeNotFound, "Not Found"},
		{"bind failure", echo.NewHTTPError(http.StatusBadRequest, "bad body"), http.StatusBadRequest, apperrors.TypeValidation, "bad body"},
		{"too many requests", echo.ErrTooManyRequests, http.StatusTooManyRequests, apperrors.TypeRateLimited, "Too Many Requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := runMiddleware(t, func(echo.Context) error { return tt.err })

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp apperrors.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantType, resp.Type)
			assert.Equal(t, tt.wantMsg, resp.Error)
		})
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"caller id kept", "req-123", true},
		{"malformed id replaced", "bad id with spaces", false},
		{"missing id generated", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(correlation.Header, tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			err := correlationMiddleware(func(c echo.Context) error {
				seen, _ = correlation.ID(c.Request().Context())
				return nil
			})(c)
			require.NoError(t, err)

			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(correlation.Header))
			if tt.keep {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
			}
		})
	}
}

func TestFromHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		httpErr  *echo.HTTPError
		wantType apperrors.ErrorType
		wantMsg  string
	}{
		{"bad request", echo.NewHTTPError(http.StatusBadRequest, "bad body"), apperrors.TypeValidation, "bad body"},
		{"unauthorized", echo.NewHTTPError(http.StatusUnauthorized, "no session"), apperrors.TypeUnauthorized, "no session"},
		{"forbidden", echo.NewHTTPError(http.StatusForbidden, "no marker"), apperrors.TypeForbidden, "no marker"},
		{"bad gateway", echo.NewHTTPError(http.StatusBadGateway, "upstream"), apperrors.TypeExternal, "upstream"},
		{"unavailable", echo.NewHTTPError(http.StatusServiceUnavailable, "later"), apperrors.TypeUnavailable, "later"},
		{"non-string message", echo.NewHTTPError(http.StatusBadRequest, 12345), apperrors.TypeValidation, "Bad Request"},
		{"other client error", echo.NewHTTPError(http.StatusTeapot, "tea"), apperrors.TypeValidation, "tea"},
		{"server error", echo.NewHTTPError(http.StatusGatewayTimeout), apperrors.TypeInternal, "Gateway Timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fromHTTPError(tt.httpErr)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantMsg, err.Message)
		})
	}
}

func TestFromHTTPError_KeepsInternalCause(t *testing.T) {
	cause := errors.New("underlying cause")
	err := fromHTTPError(echo.NewHTTPError(http.StatusInternalServerError, "wrapped").SetInternal(cause))

	assert.Equal(t, apperrors.TypeInternal, err.Type)
	assert.ErrorIs(t, err, cause)
}
