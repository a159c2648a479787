package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// takeScript prunes, checks, and appends in one round trip so concurrent
// requests on the same key serialize inside Redis.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, oldest[2]}
end

local seq = redis.call('INCR', key .. ':seq')
redis.call('ZADD', key, now, now .. '-' .. seq)
redis.call('PEXPIRE', key, window)
redis.call('PEXPIRE', key .. ':seq', window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, oldest[2]}
`)

var forgiveScript = redis.NewScript(`
local key = KEYS[1]
local ts = ARGV[1]
local members = redis.call('ZRANGEBYSCORE', key, ts, ts, 'LIMIT', 0, 1)
if members[1] then
  redis.call('ZREM', key, members[1])
end
return 0
`)

// RedisStore keeps request windows in Redis sorted sets, one per key.
// Entries expire with the window so no sweep is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a store to an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "scanq:rl:"}
}

func (s *RedisStore) Take(ctx context.Context, key string, nowMs, windowMs int64, max int) (bool, int, int64, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, nowMs, windowMs, max).Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("ratelimit take: %w", err)
	}
	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("ratelimit take: unexpected reply %v", res)
	}
	allowed := toInt64(res[0]) == 1
	count := int(toInt64(res[1]))
	oldest := toInt64(res[2])
	return allowed, count, oldest, nil
}

func (s *RedisStore) Forgive(ctx context.Context, key string, tsMs int64) error {
	return forgiveScript.Run(ctx, s.client, []string{s.prefix + key}, tsMs).Err()
}

// Sweep is a no-op: window keys carry a TTL.
func (s *RedisStore) Sweep(context.Context, int64) error { return nil }

func (s *RedisStore) Close() error { return s.client.Close() }

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscan(n, &out)
		return out
	default:
		return 0
	}
}
