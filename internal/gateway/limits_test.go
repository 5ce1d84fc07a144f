package gateway

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestLimits_Global(t *testing.T) {
	l := NewLimits(2, 10, 100, 100, clockwork.NewFakeClock())

	ok, _ := l.Acquire("10.0.0.1")
	assert.True(t, ok)
	ok, _ = l.Acquire("10.0.0.2")
	assert.True(t, ok)

	ok, reason := l.Acquire("10.0.0.3")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonGlobal, reason)

	l.Release("10.0.0.1")
	ok, _ = l.Acquire("10.0.0.3")
	assert.True(t, ok)
	assert.Equal(t, int64(2), l.Current())
}

func TestLimits_PerIPRollsBackGlobal(t *testing.T) {
	l := NewLimits(10, 1, 100, 100, clockwork.NewFakeClock())

	ok, _ := l.Acquire("10.0.0.1")
	assert.True(t, ok)

	ok, reason := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonPerIP, reason)
	assert.Equal(t, int64(1), l.Current())

	l.Release("10.0.0.1")
	assert.Equal(t, 0, l.perIP.count("10.0.0.1"))
	assert.Empty(t, l.perIP.ips)
}

func TestLimits_ConnectRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimits(100, 100, 1, 2, clock)

	for range 2 {
		ok, _ := l.Acquire("10.0.0.1")
		assert.True(t, ok)
	}
	ok, reason := l.Acquire("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)

	ok, _ = l.Acquire("10.0.0.2")
	assert.True(t, ok, "buckets are per address")

	clock.Advance(time.Second)
	ok, _ = l.Acquire("10.0.0.1")
	assert.True(t, ok)
}

func TestLimits_IdleRateBucketsAreSwept(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimits(100, 100, 1, 1, clock)

	l.Acquire("10.0.0.1")
	assert.Len(t, l.rate.limiters, 1)

	clock.Advance(rateLimiterIdle + rateLimiterCleanup + time.Second)
	l.Acquire("10.0.0.2")

	assert.Len(t, l.rate.limiters, 1)
	assert.Contains(t, l.rate.limiters, "10.0.0.2")
}

func TestLimits_ConcurrentAcquire(t *testing.T) {
	l := NewLimits(50, 1000, 1e6, 1e6, clockwork.NewRealClock())

	var admitted atomic.Int64
	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if ok, _ := l.Acquire("10.0.0.1"); ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(50), admitted.Load())
	assert.Equal(t, int64(50), l.Current())
}
