package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotLeader is returned by Renew once another instance holds the lease.
var ErrNotLeader = errors.New("not leader")

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderLease is a single-holder lock on a Redis key with a TTL. A holder that
// stops renewing loses the lease after ttl and another instance can take it.
type LeaderLease struct {
	rdb        *goredis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

func NewLeaderLease(rdb *goredis.Client, key, instanceID string, ttl time.Duration) *LeaderLease {
	return &LeaderLease{rdb: rdb, key: key, instanceID: instanceID, ttl: ttl}
}

// Acquire takes the lease if it is free or extends it if this instance already holds it.
func (l *LeaderLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	err = l.Renew(ctx)
	if errors.Is(err, ErrNotLeader) {
		return false, nil
	}
	return err == nil, err
}

func (l *LeaderLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotLeader
	}
	return nil
}

// Release gives the lease up if this instance still holds it.
func (l *LeaderLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
