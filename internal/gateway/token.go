package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/amora/realtime/internal/domain"
)

const (
	tokenQueryParam = "token"
	tokenCookieName = "session_token"
	bearerPrefix    = "bearer "
	forwardedForHdr = "X-Forwarded-For"
	realIPHeader    = "X-Real-IP"
)

// SessionCookieReader extracts the token kept in the signed HTTP session cookie.
type SessionCookieReader interface {
	Token(r *http.Request) (domain.SessionToken, bool)
}

// extractToken looks for a session token in the query string, the Authorization header, the plain
// session_token cookie and finally the signed session cookie, in that order.
func extractToken(r *http.Request, cookies SessionCookieReader) (domain.SessionToken, bool) {
	if t := r.URL.Query().Get(tokenQueryParam); t != "" {
		return domain.SessionToken(t), true
	}
	if h := r.Header.Get("Authorization"); len(h) > len(bearerPrefix) && strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		if t := strings.TrimSpace(h[len(bearerPrefix):]); t != "" {
			return domain.SessionToken(t), true
		}
	}
	if c, err := r.Cookie(tokenCookieName); err == nil && c.Value != "" {
		return domain.SessionToken(c.Value), true
	}
	if cookies != nil {
		return cookies.Token(r)
	}
	return "", false
}

// clientIP prefers proxy headers and falls back to the socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get(forwardedForHdr); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get(realIPHeader); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
