package domain

import (
	"context"
	"time"
)

// SessionToken is the opaque credential backing an HTTP session. The gateway never parses it.
type SessionToken string

// Session is the result of a successful token validation.
type Session struct {
	ID        string    `json:"sessionId"`
	UserID    UserID    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// SessionValidator resolves a session token to its owner.
// Implementations return ErrAuthentication for unknown or expired tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token SessionToken) (*Session, error)
}

type SessionRepository interface {
	GetByToken(ctx context.Context, token SessionToken) (*Session, error)
}

// SessionCache is a read-through cache in front of SessionRepository.
type SessionCache interface {
	Get(ctx context.Context, token SessionToken) (*Session, bool, error)
	Set(ctx context.Context, token SessionToken, session *Session, ttl time.Duration) error
}
