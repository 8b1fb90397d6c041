package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Both scripts act only while ARGV[1] still owns the key.
const (
	leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`
	leaseExtendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	// ErrLeaseLost is the cancellation cause seen by a sweep whose lease expired
	// or was taken over.
	ErrLeaseLost = errors.New("lease lost")
)

// Locker hands out single-holder leases on Redis keys. The dunning sweep uses
// one so only one scheduler replica retries invoices at a time.
type Locker struct {
	log     *zap.Logger
	client  *redis.Client
	release *redis.Script
	extend  *redis.Script
}

func NewLocker(client *redis.Client, log *zap.Logger) *Locker {
	if client == nil {
		return nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{
		log:     log.Named("lease"),
		client:  client,
		release: redis.NewScript(leaseReleaseScript),
		extend:  redis.NewScript(leaseExtendScript),
	}
}

// TryLock returns the owner token and whether the lease was acquired.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	switch {
	case l == nil || l.client == nil:
		return "", false, ErrLockNotConfigured
	case key == "":
		return "", false, errors.New("lease key is empty")
	case ttl <= 0:
		return "", false, errors.New("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Extend pushes the expiry of a lease still owned by token.
func (l *Locker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, ErrLockNotConfigured
	}
	n, err := l.extend.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil || key == "" || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{key}, token).Err()
}

// WithLease runs fn while holding key and renews the lease every ttl/3. It
// reports false without calling fn when another holder owns the lease. If
// renewal finds the lease gone, fn's context is cancelled with ErrLeaseLost.
func (l *Locker) WithLease(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	token, ok, err := l.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go l.keepAlive(leaseCtx, key, token, ttl, cancel, done)

	defer func() {
		cancel(nil)
		<-done
		// An unreleased lease expires after ttl; the next sweep waits that long.
		if err := l.Release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn("lease release failed",
				zap.String("key", key),
				zap.Duration("ttl", ttl),
				zap.Error(err),
			)
		}
	}()
	return true, fn(leaseCtx)
}

func (l *Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := l.Extend(ctx, key, token, ttl)
			if ctx.Err() != nil {
				return
			}
			// A transient Redis error keeps the lease until its TTL runs out.
			if err == nil && !held {
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}
