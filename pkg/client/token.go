package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/amora/realtime/internal/platform/version"
)

// TokenSource yields the session token for a connection attempt. It is called before every attempt,
// so an expired session surfaces as ErrAuthFailed instead of a stale token being replayed.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// EndpointToken fetches the token from GET /api/realtime/token. httpClient must carry the
// caller's session cookie, typically through a cookie jar.
func EndpointToken(httpClient *http.Client, baseURL string) TokenSource {
	endpoint := strings.TrimSuffix(baseURL, "/") + "/api/realtime/token"
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set(userAgentHdr, version.Product())

		resp, err := httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("%w: token endpoint: %v", ErrTransport, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized:
			return "", fmt.Errorf("%w: no valid session", ErrAuthFailed)
		default:
			return "", fmt.Errorf("%w: token endpoint: status %d", ErrTransport, resp.StatusCode)
		}

		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
			return "", fmt.Errorf("%w: malformed token response", ErrTransport)
		}
		return body.Token, nil
	}
}
