package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The quota key is a hash of the window id and its usage. A new window id is
// written when the key is created, and the key expires one interval later.
var reserveScript = redis.NewScript(`
local window = redis.call('HGET', KEYS[1], 'window')
if not window then
	window = ARGV[3]
	redis.call('HSET', KEYS[1], 'window', window, 'used', 0)
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if used >= tonumber(ARGV[1]) then
	return {0, window}
end
redis.call('HINCRBY', KEYS[1], 'used', 1)
return {1, window}
`)

// Releasing into a later window than the one reserved from is a no-op.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'window') ~= ARGV[1] then
	return 0
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if used > 0 then
	return redis.call('HINCRBY', KEYS[1], 'used', -1)
end
return 0
`)

// RedisQuota keeps the counter in a single Redis key that expires one
// interval after the first reservation of a window. Reserve and release run
// as Lua scripts so the ceiling check and the increment are atomic.
type RedisQuota struct {
	rdb      redisQuotaClient
	key      string
	limit    int
	interval time.Duration
}

// NewRedisQuota stores the counter under key. *redis.Client and
// *redis.ClusterClient both satisfy rdb.
func NewRedisQuota(rdb redisQuotaClient, key string, limit int, interval time.Duration) *RedisQuota {
	return &RedisQuota{
		rdb:      rdb,
		key:      key,
		limit:    limit,
		interval: interval,
	}
}

type redisQuotaClient interface {
	redis.Scripter
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func (q *RedisQuota) TryReserve(ctx context.Context) (Reservation, bool, error) {
	reply, err := reserveScript.Run(ctx, q.rdb, []string{q.key},
		q.limit, q.interval.Milliseconds(), uuid.NewString()).Slice()
	if err != nil {
		return Reservation{}, false, fmt.Errorf("reserve quota slot: %w", err)
	}
	if len(reply) != 2 {
		return Reservation{}, false, fmt.Errorf("reserve quota slot: unexpected reply %v", reply)
	}
	granted, _ := reply[0].(int64)
	window, _ := reply[1].(string)
	if granted != 1 {
		return Reservation{}, false, nil
	}
	return Reservation{window: window}, true, nil
}

// Commit is a no-op: the reserved slot already counts toward its window.
func (q *RedisQuota) Commit(_ context.Context, _ Reservation) error {
	return nil
}

func (q *RedisQuota) Release(ctx context.Context, res Reservation) error {
	if err := releaseScript.Run(ctx, q.rdb, []string{q.key}, res.window).Err(); err != nil {
		return fmt.Errorf("release quota slot: %w", err)
	}
	return nil
}

func (q *RedisQuota) Used(ctx context.Context) (int, error) {
	used, err := q.rdb.HGet(ctx, q.key, "used").Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota usage: %w", err)
	}
	return used, nil
}
