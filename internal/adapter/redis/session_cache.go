package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amora/realtime/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// SessionCache stores validated sessions as JSON under a hash of the token.
type SessionCache struct {
	rdb goredis.Cmdable
}

var _ domain.SessionCache = (*SessionCache)(nil)

func NewSessionCache(rdb goredis.Cmdable) *SessionCache {
	return &SessionCache{rdb: rdb}
}

func sessionKey(token domain.SessionToken) string {
	sum := sha256.Sum256([]byte(token))
	return sessionKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *SessionCache) Get(ctx context.Context, token domain.SessionToken) (*domain.Session, bool, error) {
	raw, err := c.rdb.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached session: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("decode cached session: %w", err)
	}
	return &s, true, nil
}

// Set caches session for ttl, shortened so it never outlives the session itself.
func (c *SessionCache) Set(ctx context.Context, token domain.SessionToken, session *domain.Session, ttl time.Duration) error {
	if !session.ExpiresAt.IsZero() {
		if remaining := time.Until(session.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.rdb.Set(ctx, sessionKey(token), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache session: %w", err)
	}
	return nil
}

func (c *SessionCache) Delete(ctx context.Context, token domain.SessionToken) error {
	if err := c.rdb.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("evict cached session: %w", err)
	}
	return nil
}
