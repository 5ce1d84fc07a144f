package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amora/realtime/internal/adapter/metrics"
	"github.com/amora/realtime/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	sessions map[domain.SessionToken]*domain.Session
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (r *fakeRepo) GetByToken(_ context.Context, token domain.SessionToken) (*domain.Session, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	if r.err != nil {
		return nil, r.err
	}
	s, ok := r.sessions[token]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[domain.SessionToken]*domain.Session
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[domain.SessionToken]*domain.Session{}}
}

func (c *fakeCache) Get(_ context.Context, token domain.SessionToken) (*domain.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	s, ok := c.entries[token]
	return s, ok, nil
}

func (c *fakeCache) Set(_ context.Context, token domain.SessionToken, s *domain.Session, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = s
	return nil
}

func newTestService(repo *fakeRepo, cache *fakeCache) (*Service, *metrics.StoreMetrics) {
	m := metrics.NewStoreMetrics(prometheus.NewRegistry())
	return NewService(repo, cache, time.Minute, m), m
}

func TestService_ValidateFromRepoThenCache(t *testing.T) {
	repo := &fakeRepo{sessions: map[domain.SessionToken]*domain.Session{
		"sess_abc": {ID: "s1", UserID: 42},
	}}
	cache := newFakeCache()
	svc, m := newTestService(repo, cache)

	s, err := svc.Validate(context.Background(), "sess_abc")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), s.UserID)

	s, err = svc.Validate(context.Background(), "sess_abc")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), s.UserID)

	assert.Equal(t, int32(1), repo.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionLookups.WithLabelValues("cache", "hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionLookups.WithLabelValues("database", "hit")), 0)
}

func TestService_InvalidToken(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{}, newFakeCache())

	_, err := svc.Validate(context.Background(), "sess_nope")
	assert.ErrorIs(t, err, domain.ErrAuthentication)

	_, err = svc.Validate(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestService_RepoErrorIsNotAuthFailure(t *testing.T) {
	svc, _ := newTestService(&fakeRepo{err: errors.New("db down")}, newFakeCache())

	_, err := svc.Validate(context.Background(), "sess_abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuthentication)
}

func TestService_CacheErrorFallsBack(t *testing.T) {
	repo := &fakeRepo{sessions: map[domain.SessionToken]*domain.Session{"t": {UserID: 1}}}
	cache := newFakeCache()
	cache.getErr = errors.New("circuit open")
	svc, m := newTestService(repo, cache)

	s, err := svc.Validate(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(1), s.UserID)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionLookups.WithLabelValues("cache", "error")), 0)
}

func TestService_ExpiredCacheEntryIgnored(t *testing.T) {
	repo := &fakeRepo{}
	cache := newFakeCache()
	cache.entries["t"] = &domain.Session{UserID: 1, ExpiresAt: time.Now().Add(-time.Minute)}
	svc, _ := newTestService(repo, cache)

	_, err := svc.Validate(context.Background(), "t")
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestService_ConcurrentLookupsShareOneQuery(t *testing.T) {
	repo := &fakeRepo{
		sessions: map[domain.SessionToken]*domain.Session{"t": {UserID: 5}},
		delay:    50 * time.Millisecond,
	}
	svc := NewService(repo, nil, 0, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := svc.Validate(context.Background(), "t")
			assert.NoError(t, err)
			assert.Equal(t, domain.UserID(5), s.UserID)
		}()
	}
	wg.Wait()

	assert.Less(t, repo.calls.Load(), int32(20))
}

func TestNewService_PanicsOnNilRepo(t *testing.T) {
	assert.Panics(t, func() { NewService(nil, nil, 0, nil) })
}
