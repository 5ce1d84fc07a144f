package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/sony/gobreaker"
)

const (
	// InternalHeader marks trusted service-to-service calls. Its value is the internal API key.
	InternalHeader = "X-Internal-Request"
	ValidatePath   = "/internal/session/validate"

	validatorTimeout  = 5 * time.Second
	breakerComponent  = "session_validator"
	breakerOpenPeriod = 15 * time.Second
)

// ValidateRequest is the body of POST /internal/session/validate.
type ValidateRequest struct {
	SessionToken string `json:"sessionToken"`
}

// ValidateResponse is the 200 body of POST /internal/session/validate.
type ValidateResponse struct {
	UserID    domain.UserID `json:"userId"`
	SessionID string        `json:"sessionId"`
	ExpiresAt time.Time     `json:"expiresAt,omitzero"`
}

// Client validates tokens by calling the internal validation endpoint.
// Transport failures trip a circuit breaker; rejected tokens do not.
type Client struct {
	baseURL     string
	internalKey string
	http        *http.Client
	breaker     *gobreaker.CircuitBreaker
}

var _ domain.SessionValidator = (*Client)(nil)

func NewClient(baseURL, internalKey string, m *metrics.StoreMetrics) *Client {
	settings := gobreaker.Settings{
		Name:        breakerComponent,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     breakerOpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrAuthentication)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.CircuitTransitions.WithLabelValues(name, to.String()).Inc()
				m.CircuitState.WithLabelValues(name).Set(float64(to))
			}
		},
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		http:        &http.Client{Timeout: validatorTimeout},
		breaker:     gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) Validate(ctx context.Context, token domain.SessionToken) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrAuthentication
	}

	v, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, token)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("session validator unavailable: %w", err)
		}
		return nil, err
	}
	return v.(*domain.Session), nil
}

// State is exposed for tests.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) call(ctx context.Context, token domain.SessionToken) (*domain.Session, error) {
	body, err := json.Marshal(ValidateRequest{SessionToken: string(token)})
	if err != nil {
		return nil, fmt.Errorf("encode validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ValidatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InternalHeader, c.internalKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call session validator: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest, http.StatusUnauthorized:
		return nil, domain.ErrAuthentication
	case http.StatusForbidden:
		return nil, fmt.Errorf("session validator refused internal key: %w", domain.ErrAuthorization)
	default:
		return nil, fmt.Errorf("session validator returned status %d", resp.StatusCode)
	}

	var out ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	if out.UserID <= 0 {
		return nil, errors.New("session validator returned no user")
	}
	return &domain.Session{ID: out.SessionID, UserID: out.UserID, ExpiresAt: out.ExpiresAt}, nil
}
