package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Service validates tokens against the cache, then the repository. Concurrent lookups of the
// same token share one repository call.
type Service struct {
	repo     domain.SessionRepository
	cache    domain.SessionCache
	cacheTTL time.Duration
	metrics  *metrics.StoreMetrics
	group    singleflight.Group
}

var _ domain.SessionValidator = (*Service)(nil)

func NewService(repo domain.SessionRepository, cache domain.SessionCache, cacheTTL time.Duration, m *metrics.StoreMetrics) *Service {
	if repo == nil {
		panic("session: nil repository")
	}
	return &Service{repo: repo, cache: cache, cacheTTL: cacheTTL, metrics: m}
}

func (s *Service) Validate(ctx context.Context, token domain.SessionToken) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrAuthentication
	}

	if sess, ok := s.fromCache(ctx, token); ok {
		return sess, nil
	}

	v, err, _ := s.group.Do(string(token), func() (any, error) {
		return s.fromRepo(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	sess := *v.(*domain.Session)
	return &sess, nil
}

func (s *Service) fromCache(ctx context.Context, token domain.SessionToken) (*domain.Session, bool) {
	if s.cache == nil {
		return nil, false
	}

	sess, ok, err := s.cache.Get(ctx, token)
	switch {
	case err != nil:
		s.record("cache", "error")
		slog.WarnContext(ctx, "Session cache read failed, falling back to database", "error", err)
		return nil, false
	case !ok:
		s.record("cache", "miss")
		return nil, false
	case !sess.ExpiresAt.IsZero() && time.Now().After(sess.ExpiresAt):
		s.record("cache", "expired")
		return nil, false
	default:
		s.record("cache", "hit")
		return sess, true
	}
}

func (s *Service) fromRepo(ctx context.Context, token domain.SessionToken) (*domain.Session, error) {
	sess, err := s.repo.GetByToken(ctx, token)
	if errors.Is(err, domain.ErrSessionNotFound) {
		s.record("database", "miss")
		return nil, domain.ErrAuthentication
	}
	if err != nil {
		s.record("database", "error")
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	s.record("database", "hit")

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, token, sess, s.cacheTTL); err != nil {
			slog.WarnContext(ctx, "Failed to cache session", "error", err)
		}
	}
	return sess, nil
}

func (s *Service) record(source, result string) {
	if s.metrics != nil {
		s.metrics.SessionLookups.WithLabelValues(source, result).Inc()
	}
}
