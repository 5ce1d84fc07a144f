package httpserver

import (
	"strconv"
	"strings"
	"time"

	apperrors "github.com/amora/realtime/internal/platform/errors"
	"github.com/amora/realtime/internal/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 5 * time.Minute

// limiterKey buckets callers by session cookie so users behind one NAT do not share a budget.
// Requests without a cookie fall back to the client IP.
func limiterKey(c echo.Context) (string, error) {
	if ck, err := c.Cookie(session.CookieName); err == nil && ck.Value != "" {
		return "session:" + ck.Value, nil
	}
	return "ip:" + c.RealIP(), nil
}

func newRateLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	retryAfter := "1"
	if perSecond > 0 && perSecond < 1 {
		retryAfter = strconv.Itoa(int(1/perSecond + 0.5))
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perSecond),
			Burst:     burst,
			ExpiresIn: limiterIdleExpiry,
		}),
		IdentifierExtractor: limiterKey,
		ErrorHandler: func(c echo.Context, err error) error {
			return apperrors.InternalError("rate limiter identifier", err)
		},
		DenyHandler: func(c echo.Context, key string, _ error) error {
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("too many token requests").WithContext("key_kind", keyKind(key))
		},
	})
}

func keyKind(key string) string {
	if strings.HasPrefix(key, "session:") {
		return "session"
	}
	return "ip"
}
