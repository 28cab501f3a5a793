package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/auth-gateway/pkg/cache"
)

// incrementScript bumps the counter and arms the window TTL on the first failure in one round trip.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// RedisAttemptRepository stores failed-login counters as self-expiring Redis integers.
type RedisAttemptRepository struct {
	client redis.UniversalClient
}

// NewRedisAttemptRepository constructs the store.
func NewRedisAttemptRepository(client redis.UniversalClient) *RedisAttemptRepository {
	return &RedisAttemptRepository{client: client}
}

func attemptKey(key string) string { return cache.Key("login_fail", key) }

// Increment records one failure and returns the new count and the time left in the window.
func (r *RedisAttemptRepository) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	vals, err := incrementScript.Run(ctx, r.client, []string{attemptKey(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis increment attempts: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("redis increment attempts: unexpected reply length %d", len(vals))
	}
	return int(vals[0]), time.Duration(vals[1]) * time.Millisecond, nil
}

// Get returns the current count and remaining window, or zeros when no failures are recorded.
func (r *RedisAttemptRepository) Get(ctx context.Context, key string) (int, time.Duration, error) {
	pipe := r.client.Pipeline()
	countCmd := pipe.Get(ctx, attemptKey(key))
	ttlCmd := pipe.PTTL(ctx, attemptKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("redis get attempts: %w", err)
	}

	count, err := countCmd.Int()
	if errors.Is(err, redis.Nil) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("redis parse attempts: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// Reset clears the counter after a successful login.
func (r *RedisAttemptRepository) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, attemptKey(key)).Err(); err != nil {
		return fmt.Errorf("redis reset attempts: %w", err)
	}
	return nil
}
