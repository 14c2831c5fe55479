package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "imlcore:ratelimit:"

// ActionRateLimiter implements service.ActionRateLimiter over a Redis
// sorted set per (identity, action): members are unique per call (scored
// by their own timestamp), ZREMRANGEBYSCORE evicts everything outside the
// window before ZCARD decides admission. Shared across daemon instances,
// unlike the in-process variant.
type ActionRateLimiter struct {
	client *redis.Client
}

// NewActionRateLimiter creates a Redis-backed ActionRateLimiter.
func NewActionRateLimiter(client *redis.Client) *ActionRateLimiter {
	return &ActionRateLimiter{client: client}
}

func (r *ActionRateLimiter) Allow(ctx context.Context, identity, action string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := rateLimitKeyPrefix + identity + ":" + action
	now := time.Now()
	cutoff := now.Add(-window).UnixNano()

	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return false, fmt.Errorf("redis trim window: %w", err)
	}
	count, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis card: %w", err)
	}
	if count >= int64(limit) {
		return false, nil
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		return false, fmt.Errorf("redis add: %w", err)
	}
	r.client.Expire(ctx, key, window)
	return true, nil
}
