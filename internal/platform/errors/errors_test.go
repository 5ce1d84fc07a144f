package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_StatusMapping(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name       string
		err        *Error
		wantType   ErrorType
		wantStatus int
	}{
		{"validation", ValidationError("bad input"), TypeValidation, http.StatusBadRequest},
		{"unauthorized", UnauthorizedError("no session"), TypeUnauthorized, http.StatusUnauthorized},
		{"forbidden", ForbiddenError("internal only"), TypeForbidden, http.StatusForbidden},
		{"not found", NotFoundError("missing"), TypeNotFound, http.StatusNotFound},
		{"conflict", ConflictError("exists"), TypeConflict, http.StatusConflict},
		{"internal", InternalError("failed", cause), TypeInternal, http.StatusInternalServerError},
		{"external", ExternalError("upstream", cause), TypeExternal, http.StatusBadGateway},
		{"unavailable", UnavailableError("broker down", cause), TypeUnavailable, http.StatusServiceUnavailable},
		{"rate limited", RateLimitedError("slow down"), TypeRateLimited, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus())
			assert.NotNil(t, tt.err.Context)
			assert.Contains(t, tt.err.Error(), string(tt.wantType))
		})
	}
}

func TestError_WithoutCause(t *testing.T) {
	err := InternalError("something went wrong", nil)
	assert.NotContains(t, err.Error(), "<nil>")
}

func TestError_Unwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := UnavailableError("broker down", fmt.Errorf("publish: %w", sentinel))
	assert.ErrorIs(t, err, sentinel)
}

func TestWithContext_Chainable(t *testing.T) {
	err := ValidationError("bad").WithContext("field", "userId").WithContext("value", -1)

	resp := err.ToResponse()
	assert.Equal(t, "bad", resp.Error)
	assert.Equal(t, TypeValidation, resp.Type)
	assert.Equal(t, map[string]any{"field": "userId", "value": -1}, resp.Context)
}

func TestAsStructuredError(t *testing.T) {
	assert.Nil(t, AsStructuredError(nil))

	structured := NotFoundError("nope")
	wrapped := fmt.Errorf("handler: %w", structured)
	assert.Same(t, structured, AsStructuredError(wrapped))

	plain := errors.New("plain")
	converted := AsStructuredError(plain)
	require.NotNil(t, converted)
	assert.Equal(t, TypeInternal, converted.Type)
	assert.ErrorIs(t, converted, plain)
}
