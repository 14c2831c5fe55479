// Package redis implements the Trigger Daemon's ResourceLock and the
// sliding-window ActionRateLimiter backend over Redis, for deployments
// running more than one daemon instance against a shared resource set.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "imlcore:triggerlock:"

// ResourceLock implements service.ResourceLock over a Redis client: SETNX
// binds a key to a plan id, and a Lua script makes release conditional on
// still being the current holder so a stale caller can never clear
// someone else's lock.
type ResourceLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResourceLock creates a Redis-backed ResourceLock. ttl bounds how long
// a held lock survives a daemon crash before it self-expires; 0 disables
// expiry (not recommended outside tests).
func NewResourceLock(client *redis.Client, ttl time.Duration) *ResourceLock {
	return &ResourceLock{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (l *ResourceLock) TryAcquire(ctx context.Context, key, planID string) (bool, error) {
	redisKey := keyPrefix + key
	ok, err := l.client.SetNX(ctx, redisKey, planID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, redisKey).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	return holder == planID, nil
}

func (l *ResourceLock) Release(ctx context.Context, key, planID string) error {
	if err := releaseScript.Run(ctx, l.client, []string{keyPrefix + key}, planID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (l *ResourceLock) HolderOf(ctx context.Context, key string) (string, bool, error) {
	holder, err := l.client.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return holder, true, nil
}
