package session

import (
	"net/http"
	"time"

	"github.com/amora/realtime/internal/domain"
	"github.com/gorilla/sessions"
)

const (
	CookieName = "amora_session"
	tokenKey   = "session_token"
)

// CookieStore reads and writes the session token held in the signed HTTP session cookie.
type CookieStore struct {
	store *sessions.CookieStore
}

func NewCookieStore(secret string, maxAge time.Duration, secure bool) *CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return &CookieStore{store: store}
}

// Token returns the token stored in the request's session cookie, if any.
func (c *CookieStore) Token(r *http.Request) (domain.SessionToken, bool) {
	s, err := c.store.Get(r, CookieName)
	if err != nil || s.IsNew {
		return "", false
	}
	token, ok := s.Values[tokenKey].(string)
	if !ok || token == "" {
		return "", false
	}
	return domain.SessionToken(token), true
}

// Save stores token in the session cookie on w.
func (c *CookieStore) Save(w http.ResponseWriter, r *http.Request, token domain.SessionToken) error {
	s, err := c.store.Get(r, CookieName)
	if err != nil {
		s, err = c.store.New(r, CookieName)
		if err != nil {
			return err
		}
	}
	s.Values[tokenKey] = string(token)
	return s.Save(r, w)
}
