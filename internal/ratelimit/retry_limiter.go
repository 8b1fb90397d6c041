package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recovery/internal/config"
)

const keyRetryInvoice = "recovery:retry:invoice:%s"

// RetryLimiter throttles manual retries per invoice. It uses the Redis token
// bucket when a Redis client is available and in-process buckets otherwise.
type RetryLimiter struct {
	enabled bool

	bucket *TokenBucket
	local  *localBuckets

	rate  float64
	burst int
}

func NewRetryLimiter(cfg config.Config, client *redis.Client) (*RetryLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &RetryLimiter{}, nil
	}
	if limitCfg.RetryRate <= 0 || limitCfg.RetryBurst <= 0 {
		return nil, errors.New("retry rate limit must be positive")
	}

	limiter := &RetryLimiter{
		enabled: true,
		rate:    limitCfg.RetryRate,
		burst:   limitCfg.RetryBurst,
	}
	if client != nil {
		limiter.bucket = NewTokenBucket(client)
	} else {
		limiter.local = newLocalBuckets(limitCfg.RetryRate, limitCfg.RetryBurst)
	}
	return limiter, nil
}

func (l *RetryLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Backend names the limiter in use for metrics and logs.
func (l *RetryLimiter) Backend() string {
	switch {
	case !l.Enabled():
		return "disabled"
	case l.bucket != nil:
		return "redis"
	default:
		return "local"
	}
}

func (l *RetryLimiter) Allow(ctx context.Context, invoiceID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyRetryInvoice, strings.TrimSpace(invoiceID))
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, l.rate, l.burst)
	}
	return l.local.Allow(key), nil
}
