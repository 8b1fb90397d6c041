package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultLocalMaxKeys = 10000
	localIdleTTL        = 10 * time.Minute
)

type localEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// localBuckets is the in-process limiter used when Redis is not configured.
// Limits are per instance.
type localBuckets struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	rate    rate.Limit
	burst   int
	maxKeys int
	now     func() time.Time
}

func newLocalBuckets(perSecond float64, burst int) *localBuckets {
	return &localBuckets{
		entries: make(map[string]*localEntry),
		rate:    rate.Limit(perSecond),
		burst:   burst,
		maxKeys: defaultLocalMaxKeys,
		now:     time.Now,
	}
}

func (b *localBuckets) Allow(key string) *RateLimitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	entry, ok := b.entries[key]
	if !ok {
		if len(b.entries) >= b.maxKeys {
			b.evictLocked(now)
		}
		entry = &localEntry{limiter: rate.NewLimiter(b.rate, b.burst)}
		b.entries[key] = entry
	}
	entry.lastAccess = now

	allowed := entry.limiter.AllowN(now, 1)
	remaining := entry.limiter.TokensAt(now)
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitResult{
		Allowed:    allowed,
		Limit:      b.burst,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, float64(b.rate)),
	}
}

// evictLocked drops idle keys, or the least recently used one if none are idle.
func (b *localBuckets) evictLocked(now time.Time) {
	cutoff := now.Add(-localIdleTTL)
	var oldestKey string
	var oldest time.Time
	for key, entry := range b.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(b.entries, key)
			continue
		}
		if oldestKey == "" || entry.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccess
		}
	}
	if len(b.entries) >= b.maxKeys && oldestKey != "" {
		delete(b.entries, oldestKey)
	}
}

// retryAfter is the time until one token refills.
func retryAfter(allowed bool, remaining, perSecond float64) time.Duration {
	if allowed || perSecond <= 0 {
		return 0
	}
	needed := 1.0 - remaining
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / perSecond * float64(time.Second))
}
