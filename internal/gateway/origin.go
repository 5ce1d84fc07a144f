package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// NewCheckOrigin returns the upgrader's origin check. Requests without an Origin header (native
// clients, server-side tests) pass, as do origins listed in allowed. A comma-separated CORS_ORIGIN
// value may list several. In development localhost origins are also accepted.
func NewCheckOrigin(allowed string, isDevelopment bool) func(r *http.Request) bool {
	origins := make(map[string]struct{})
	for _, raw := range strings.Split(allowed, ",") {
		if o := extractOrigin(strings.TrimSpace(raw)); o != "" {
			origins[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := origins[origin]; ok {
			return true
		}
		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		slog.Warn("Realtime origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
