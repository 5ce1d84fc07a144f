package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/amora/realtime/internal/platform/correlation"
	apperrors "github.com/amora/realtime/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromRequest(c.Request())
		c.Response().Header().Set(correlation.Header, id)
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		return next(c)
	}
}

const contextKeyUserID = "userID"

// ErrorHandlingMiddleware renders every handler error as an apperrors JSON body. Echo's own
// errors (unknown route, bad method, bind failures) keep their status code but share the shape.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil || c.Response().Committed {
				return err
			}

			structured := apperrors.AsStructuredError(err)
			status := structured.HTTPStatus()
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				structured = fromHTTPError(httpErr)
				status = httpErr.Code
			}
			logError(c, structured, status)

			if err := c.JSON(status, structured.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

var errorLogLevels = map[apperrors.ErrorType]slog.Level{
	apperrors.TypeValidation:   slog.LevelInfo,
	apperrors.TypeUnauthorized: slog.LevelInfo,
	apperrors.TypeNotFound:     slog.LevelInfo,
	apperrors.TypeRateLimited:  slog.LevelInfo,
	apperrors.TypeForbidden:    slog.LevelWarn,
	apperrors.TypeConflict:     slog.LevelWarn,
	apperrors.TypeUnavailable:  slog.LevelWarn,
	apperrors.TypeExternal:     slog.LevelError,
	apperrors.TypeInternal:     slog.LevelError,
}

func logError(c echo.Context, err *apperrors.Error, status int) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", status,
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}
	if userID := c.Get(contextKeyUserID); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}
	if err.Cause != nil {
		attrs = append(attrs, "cause", err.Cause)
	}

	level, ok := errorLogLevels[err.Type]
	if !ok {
		level = slog.LevelError
	}
	slog.Log(c.Request().Context(), level, "Request failed", attrs...)
}

// fromHTTPError maps an Echo error onto the structured form.
func fromHTTPError(httpErr *echo.HTTPError) *apperrors.Error {
	message := http.StatusText(httpErr.Code)
	if msg, ok := httpErr.Message.(string); ok && msg != "" {
		message = msg
	}

	var errType apperrors.ErrorType
	switch code := httpErr.Code; {
	case code == http.StatusUnauthorized:
		errType = apperrors.TypeUnauthorized
	case code == http.StatusForbidden:
		errType = apperrors.TypeForbidden
	case code == http.StatusNotFound:
		errType = apperrors.TypeNotFound
	case code == http.StatusConflict:
		errType = apperrors.TypeConflict
	case code == http.StatusTooManyRequests:
		errType = apperrors.TypeRateLimited
	case code == http.StatusBadGateway:
		errType = apperrors.TypeExternal
	case code == http.StatusServiceUnavailable:
		errType = apperrors.TypeUnavailable
	case code >= 400 && code < 500:
		errType = apperrors.TypeValidation
	default:
		errType = apperrors.TypeInternal
	}

	return &apperrors.Error{
		Type:    errType,
		Message: message,
		Cause:   httpErr.Internal,
		Context: make(map[string]any),
	}
}
