package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/port"
)

const (
	idempotencyKeyTTL = 24 * time.Hour
	// A pending claim outlives its request only if the process died mid-order.
	defaultPendingTTL = time.Minute
	statsKey          = "stats:admin"
	statsLockKey      = "lock:stats"
)

// completeIdempotencyScript stores the result only while the key is still
// pending so a late completion never clobbers a released or replaced claim.
// The stored result gets the full replay TTL (ARGV[3], milliseconds).
var completeIdempotencyScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call('GET', key)
if current ~= ARGV[1] then
	return 0
end

redis.call('SET', key, ARGV[2], 'PX', ARGV[3])
return 1
`)

var releaseIdempotencyScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter backs idempotency keys, the stats cache and the stats
// recompute lock. Stock is never held here.
type RedisAdapter struct {
	client     *redis.Client
	locker     *redislock.Client
	pendingTTL time.Duration
}

// NewRedisAdapter builds the adapter. pendingTTL bounds how long an
// unfinished idempotency claim blocks retries; zero picks the default.
func NewRedisAdapter(client *redis.Client, pendingTTL time.Duration) *RedisAdapter {
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	return &RedisAdapter{client: client, locker: redislock.New(client), pendingTTL: pendingTTL}
}

func (r *RedisAdapter) ClaimIdempotency(ctx context.Context, key string) (port.IdempotencyState, *domain.PlacedOrder, error) {
	ok, err := r.client.SetNX(ctx, key, idempotencyPending, r.pendingTTL).Result()
	if err != nil {
		return 0, nil, errors.Wrapf(domain.ErrStorageFailure, "claim idempotency: %v", err)
	}
	if ok {
		return port.IdempotencyClaimed, nil, nil
	}

	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or released between SETNX and GET.
		return r.ClaimIdempotency(ctx, key)
	}
	if err != nil {
		return 0, nil, errors.Wrapf(domain.ErrStorageFailure, "read idempotency: %v", err)
	}
	return decodeIdempotency(v)
}

func (r *RedisAdapter) CompleteIdempotency(ctx context.Context, key string, result domain.PlacedOrder) error {
	b, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encode idempotency result")
	}
	if err := completeIdempotencyScript.Run(ctx, r.client, []string{key}, idempotencyPending, string(b), idempotencyKeyTTL.Milliseconds()).Err(); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "complete idempotency: %v", err)
	}
	return nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	if err := releaseIdempotencyScript.Run(ctx, r.client, []string{key}, idempotencyPending).Err(); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "release idempotency: %v", err)
	}
	return nil
}

func (r *RedisAdapter) GetStats(ctx context.Context) (*domain.Stats, error) {
	b, err := r.client.Get(ctx, statsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "read stats: %v", err)
	}

	var stats domain.Stats
	if err := json.Unmarshal(b, &stats); err != nil {
		return nil, errors.Wrap(err, "decode stats")
	}
	return &stats, nil
}

func (r *RedisAdapter) SetStats(ctx context.Context, stats domain.Stats, ttl time.Duration) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return errors.Wrap(err, "encode stats")
	}
	if err := r.client.Set(ctx, statsKey, b, ttl).Err(); err != nil {
		return errors.Wrapf(domain.ErrStorageFailure, "write stats: %v", err)
	}
	return nil
}

func (r *RedisAdapter) LockStats(ctx context.Context, ttl time.Duration) (func(), error) {
	lock, err := r.locker.Obtain(ctx, statsLockKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, errors.Wrap(domain.ErrConflict, "stats lock held")
	}
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStorageFailure, "obtain stats lock: %v", err)
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}

var (
	_ port.IdempotencyStore = (*RedisAdapter)(nil)
	_ port.StatsCache       = (*RedisAdapter)(nil)
)
