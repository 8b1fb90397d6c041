package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/recovery/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBucketsDeniesAfterBurst(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets := newLocalBuckets(1, 2)
	buckets.now = func() time.Time { return now }

	assert.True(t, buckets.Allow("inv-1").Allowed)
	assert.True(t, buckets.Allow("inv-1").Allowed)

	denied := buckets.Allow("inv-1")
	assert.False(t, denied.Allowed)
	assert.Equal(t, 2, denied.Limit)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, denied.RetryAfter, time.Second)

	// other invoices have their own bucket
	assert.True(t, buckets.Allow("inv-2").Allowed)

	now = now.Add(time.Second)
	assert.True(t, buckets.Allow("inv-1").Allowed)
}

func TestLocalBucketsEvictsWhenFull(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets := newLocalBuckets(1, 1)
	buckets.maxKeys = 2
	buckets.now = func() time.Time { return now }

	buckets.Allow("a")
	now = now.Add(time.Second)
	buckets.Allow("b")
	now = now.Add(time.Second)
	buckets.Allow("c")

	buckets.mu.Lock()
	defer buckets.mu.Unlock()
	assert.Len(t, buckets.entries, 2)
	assert.NotContains(t, buckets.entries, "a")
}

func TestRetryLimiterDisabledAllowsEverything(t *testing.T) {
	limiter, err := NewRetryLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "disabled", limiter.Backend())

	for i := 0; i < 10; i++ {
		res, err := limiter.Allow(context.Background(), "inv-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestRetryLimiterFallsBackToLocal(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, RetryRate: 0.01, RetryBurst: 1}}
	limiter, err := NewRetryLimiter(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", limiter.Backend())

	first, err := limiter.Allow(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := limiter.Allow(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
}

func TestRetryLimiterRejectsBadConfig(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}
	_, err := NewRetryLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestRetryAfterAndBucketTTL(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(true, 0, 1))
	assert.Equal(t, 500*time.Millisecond, retryAfter(false, 0.5, 1))
	assert.Equal(t, 2*time.Second, bucketTTL(1, 1))
	assert.Equal(t, time.Second, bucketTTL(100, 1))
}
