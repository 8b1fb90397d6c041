package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// The bucket state lives in one hash per invoice and refills from the Redis
// clock, not the caller's.
//
// Returns {allowed, whole tokens left, milliseconds until the next token}.
const retryBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + (elapsed / 1000) * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(now))
redis.call("PEXPIRE", KEYS[1], ttl)

local wait = 0
if allowed == 0 then
  wait = math.ceil(((1 - tokens) / rate) * 1000)
end
return {allowed, math.floor(tokens), wait}
`

var (
	ErrLimiterNotConfigured = errors.New("retry limiter not configured")
	ErrInvalidBucket        = errors.New("retry bucket rate and burst must be positive")
)

// RateLimitResult is the outcome of one retry admission check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// TokenBucket admits retries against a Redis-held bucket shared by every API
// replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(retryBucketScript),
	}
}

// Allow takes one token from the bucket at key. rate is tokens per second.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*RateLimitResult, error) {
	denied := &RateLimitResult{Limit: burst}
	switch {
	case t == nil || t.client == nil:
		return denied, ErrLimiterNotConfigured
	case key == "":
		return denied, errors.New("retry bucket key is empty")
	case rate <= 0 || burst <= 0:
		return denied, ErrInvalidBucket
	}

	out, err := t.script.Run(ctx, t.client, []string{key},
		rate, burst, bucketTTL(rate, burst).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return denied, fmt.Errorf("retry bucket %s: %w", key, err)
	}
	if len(out) != 3 {
		return denied, fmt.Errorf("retry bucket %s: unexpected reply of %d values", key, len(out))
	}

	return &RateLimitResult{
		Allowed:    out[0] == 1,
		Limit:      burst,
		Remaining:  int(max(out[1], 0)),
		RetryAfter: time.Duration(max(out[2], 0)) * time.Millisecond,
	}, nil
}

// bucketTTL keeps an idle bucket for twice its full refill time. An expired
// bucket is recreated full.
func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil(float64(burst) / rate * 2)
	return time.Duration(max(seconds, 1)) * time.Second
}
