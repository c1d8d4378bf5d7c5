package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"pdvledger/backend/internal/domain"
)

const keyPrefix = "pdvledger:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lease taken over by another terminal is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares leases between terminals through SET NX PX.
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	maxWait time.Duration
}

func NewRedisLocker(addr string, password string, db int, ttl time.Duration) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisLockerWithClient(client, ttl)
}

func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, maxWait: ttl}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Acquire retries until the lease is free, ctx ends or one TTL has passed;
// the last case reports domain.ErrLockNotAcquired.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key
	deadline := time.Now().Add(l.maxWait)

	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.ErrLockNotAcquired.WithDetail("lock %s is held elsewhere", key)
		}

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(domain.ErrLockNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}
}
