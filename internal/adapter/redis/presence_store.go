package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/amora/realtime/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey      = "presence:instances"
	instanceKeyPrefix = "presence:instance:"
	scanCount         = 100
)

// removeUserScript removes ARGV[1] from KEYS[2] and returns 1 if any other instance in the
// KEYS[1] heartbeat hash, fresher than ARGV[2], still lists the user. The other instance sets
// are derived from ARGV[3], so this assumes a single Redis node, as the rest of the store does.
var removeUserScript = goredis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[1])
local instances = redis.call("HGETALL", KEYS[1])
for i = 1, #instances, 2 do
	local id, ts = instances[i], tonumber(instances[i + 1])
	if id ~= ARGV[4] and ts and ts >= tonumber(ARGV[2]) then
		if redis.call("SISMEMBER", ARGV[3] .. id, ARGV[1]) == 1 then
			return 1
		end
	end
end
return 0
`)

func instanceKey(instanceID string) string {
	return instanceKeyPrefix + instanceID
}

// PresenceStore keeps one Redis set of user ids per gateway instance plus a hash of
// instance heartbeats. An instance whose heartbeat is older than ttl is ignored by reads
// and garbage collected lazily.
type PresenceStore struct {
	rdb   *goredis.Client
	ttl   time.Duration
	clock clockwork.Clock
}

var _ domain.PresenceStore = (*PresenceStore)(nil)

func NewPresenceStore(rdb *goredis.Client, ttl time.Duration, clock clockwork.Clock) *PresenceStore {
	return &PresenceStore{rdb: rdb, ttl: ttl, clock: clock}
}

// SetInstanceUsers replaces the instance set and refreshes its heartbeat.
func (s *PresenceStore) SetInstanceUsers(ctx context.Context, instanceID string, users []domain.UserID) error {
	key := instanceKey(instanceID)

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(users) > 0 {
		pipe.SAdd(ctx, key, members(users)...)
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.HSet(ctx, instancesKey, instanceID, s.clock.Now().UnixMilli())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set instance users: %w", err)
	}
	return nil
}

func (s *PresenceStore) AddUser(ctx context.Context, instanceID string, user domain.UserID) error {
	key := instanceKey(instanceID)

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, user.String())
	pipe.Expire(ctx, key, s.ttl)
	pipe.HSet(ctx, instancesKey, instanceID, s.clock.Now().UnixMilli())

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add user %s: %w", user, err)
	}
	return nil
}

func (s *PresenceStore) RemoveUser(ctx context.Context, instanceID string, user domain.UserID) (bool, error) {
	cutoff := s.clock.Now().Add(-s.ttl).UnixMilli()
	keys := []string{instancesKey, instanceKey(instanceID)}

	n, err := removeUserScript.Run(ctx, s.rdb, keys, user.String(), cutoff, instanceKeyPrefix, instanceID).Int()
	if err != nil {
		return false, fmt.Errorf("remove user %s: %w", user, err)
	}
	return n == 1, nil
}

func (s *PresenceStore) IsOnline(ctx context.Context, user domain.UserID) (bool, error) {
	live, err := s.liveInstances(ctx)
	if err != nil {
		return false, err
	}
	if len(live) == 0 {
		return false, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.BoolCmd, len(live))
	for i, id := range live {
		cmds[i] = pipe.SIsMember(ctx, instanceKey(id), user.String())
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("check presence of %s: %w", user, err)
	}

	for _, cmd := range cmds {
		if cmd.Val() {
			return true, nil
		}
	}
	return false, nil
}

// OnlineUsers returns the union of all live instance sets, in no particular order.
func (s *PresenceStore) OnlineUsers(ctx context.Context) ([]domain.UserID, error) {
	live, err := s.liveInstances(ctx)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}

	keys := make([]string, len(live))
	for i, id := range live {
		keys[i] = instanceKey(id)
	}

	raw, err := s.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("union presence sets: %w", err)
	}

	users := make([]domain.UserID, 0, len(raw))
	for _, v := range raw {
		u, err := domain.ParseUserID(v)
		if err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *PresenceStore) RemoveInstance(ctx context.Context, instanceID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, instanceKey(instanceID))
	pipe.HDel(ctx, instancesKey, instanceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove instance %s: %w", instanceID, err)
	}
	return nil
}

// liveInstances returns instances with a fresh heartbeat and drops stale ones.
func (s *PresenceStore) liveInstances(ctx context.Context) ([]string, error) {
	all, err := s.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.ttl).UnixMilli()
	var live, stale []string
	for id, v := range all {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ts < cutoff {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}

	if len(stale) > 0 {
		_ = s.rdb.HDel(ctx, instancesKey, stale...).Err()
	}
	return live, nil
}

// PurgeStale deletes instance sets and heartbeat entries left behind by gateways that stopped without
// cleaning up. With dryRun set nothing is deleted and Purged lists what would be.
func (s *PresenceStore) PurgeStale(ctx context.Context, dryRun bool) (domain.PurgeReport, error) {
	var report domain.PurgeReport

	all, err := s.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return report, fmt.Errorf("list instances: %w", err)
	}
	cutoff := s.clock.Now().Add(-s.ttl).UnixMilli()
	live := make(map[string]bool, len(all))
	for id, v := range all {
		ts, err := strconv.ParseInt(v, 10, 64)
		live[id] = err == nil && ts >= cutoff
	}

	stale := make(map[string]struct{})
	for id, ok := range live {
		if ok {
			report.Live++
			continue
		}
		stale[id] = struct{}{}
	}

	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, instanceKeyPrefix+"*", scanCount).Result()
		if err != nil {
			return report, fmt.Errorf("scan instance sets: %w", err)
		}
		for _, key := range keys {
			report.Scanned++
			id := strings.TrimPrefix(key, instanceKeyPrefix)
			if live[id] {
				continue
			}
			stale[id] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	for id := range stale {
		report.Purged = append(report.Purged, id)
		if dryRun {
			continue
		}
		if err := s.RemoveInstance(ctx, id); err != nil {
			return report, err
		}
	}
	slices.Sort(report.Purged)
	return report, nil
}

func members(users []domain.UserID) []any {
	out := make([]any, len(users))
	for i, u := range users {
		out[i] = u.String()
	}
	return out
}
