package rateLimit

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/show-seat-reservations/internal/adapters/redis"
	"github.com/robertarktes/show-seat-reservations/internal/observability"
)

// RateLimiter counts requests per key in fixed windows of period.
type RateLimiter struct {
	redis *redisadapter.Cache
}

func NewRateLimiter(redis *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{redis: redis}
}

// Allow reports whether another request under key fits in the current
// window. On a Redis failure it returns the error and allows the request.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	fullKey := "rl:" + key

	pipe := rl.redis.Client().Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.Expire(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		return true, err
	}

	if incr.Val() > int64(rate) {
		observability.RateLimitExceeded.Inc()
		return false, nil
	}
	return true, nil
}
