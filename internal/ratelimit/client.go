package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/recovery/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redisPingTimeout = 2 * time.Second

// NewRedisClient returns nil when no Redis address is configured. An
// unreachable Redis at startup is logged, not fatal.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	opts, err := redisOptions(cfg.RateLimit)
	if err != nil || opts == nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
			defer cancel()
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed", zap.String("addr", opts.Addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// redisOptions accepts a host:port or a redis:// URL. Password and DB from
// the config override those in the URL when set.
func redisOptions(cfg config.RateLimitConfig) (*redis.Options, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, nil
	}
	opts := &redis.Options{Addr: addr}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse RATE_LIMIT_REDIS_ADDR: %w", err)
		}
		opts = parsed
	}
	if pw := strings.TrimSpace(cfg.RedisPassword); pw != "" {
		opts.Password = pw
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	return opts, nil
}
