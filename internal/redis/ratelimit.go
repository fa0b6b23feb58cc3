package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed
	Window time.Duration // Rolling window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding-window rate limiting using Redis sorted sets.
// The same limiter serves two callers with different keys and limits: the API
// middleware (per organization, fixed config) and the policy evaluator (per
// user and channel, limits read from the user's preference). The
// check-then-add pipeline is not fully atomic; one extra admit at the window
// boundary under concurrency is an accepted approximation.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
}

// NewRateLimiter creates a new rate limiter with the given default configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
	}
}

// Allow checks if one event is allowed under the limiter's default config.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowWithConfig(ctx, key, r.config)
}

// AllowWithConfig checks if one event is allowed under a caller-supplied limit
// and window, and records it if so.
func (r *RateLimiter) AllowWithConfig(ctx context.Context, key string, cfg RateLimitConfig) (*RateLimitResult, error) {
	now := time.Now()
	windowStart := now.Add(-cfg.Window)
	resetAt := now.Add(cfg.Window)

	redisKey := fmt.Sprintf("ratelimit:%s", key)

	pipe := r.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	currentCount := int(countCmd.Val())
	remaining := cfg.Limit - currentCount

	if currentCount+1 > cfg.Limit {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("current", currentCount),
			zap.Int("limit", cfg.Limit),
		)
		return &RateLimitResult{
			Allowed:   false,
			Limit:     cfg.Limit,
			Remaining: max(0, remaining),
			ResetAt:   resetAt,
		}, nil
	}

	pipe2 := r.client.rdb.Pipeline()
	pipe2.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe2.Expire(ctx, redisKey, cfg.Window+time.Second)

	if _, err := pipe2.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis zadd failed: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     cfg.Limit,
		Remaining: remaining - 1,
		ResetAt:   resetAt,
	}, nil
}

// AllowLimit checks and records one event against an explicit limit and
// window. The policy evaluator uses this with per-user per-channel limits
// read from preferences.
func (r *RateLimiter) AllowLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := r.AllowWithConfig(ctx, key, RateLimitConfig{Limit: limit, Window: window})
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// DeliveryKey builds the rate limit key for a user's channel deliveries.
func DeliveryKey(orgID, userID, channel string) string {
	return fmt.Sprintf("delivery:%s:%s:%s", orgID, userID, channel)
}
