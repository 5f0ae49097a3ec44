package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bizjournal/internal/types"
)

// takeScript performs the check-and-increment atomically on the Redis
// server. The key expires when its window ends.
//
// KEYS[1] counter key
// ARGV[1] cost, ARGV[2] limit, ARGV[3] milliseconds until window end
//
// Returns {allowed, used, pttl}.
var takeScript = redis.NewScript(`
local used = redis.call('GET', KEYS[1])
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if not used then
  redis.call('SET', KEYS[1], cost, 'PX', ttl)
  return {1, cost, ttl}
end
used = tonumber(used)
local pttl = redis.call('PTTL', KEYS[1])
if pttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  pttl = ttl
end
if used + cost > limit then
  return {0, used, pttl}
end
redis.call('INCRBY', KEYS[1], cost)
return {1, used + cost, pttl}
`)

// RedisStore keeps counters in Redis.
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced by prefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Connect parses url and verifies connectivity.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rc := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rc, nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limitType types.LimitType, cost, limit int, windowEnd, now time.Time) (types.RateLimitCounter, bool, error) {
	c := types.RateLimitCounter{Key: key, LimitType: limitType}

	ttl := windowEnd.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, cost, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return c, false, types.NewAppError(types.ErrCodeUpstreamUnavailable, "rate limit store unavailable", err)
	}
	if len(res) != 3 {
		return c, false, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("rate limit script returned %d values", len(res)), nil)
	}
	c.Used = int(res[1])
	c.ResetAt = now.Add(time.Duration(res[2]) * time.Millisecond)
	return c, res[0] == 1, nil
}
