package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/config"
	"assistant-jobqueue/internal/service"
)

// NewWakeup returns a Redis-backed wake-up shared by every process when
// REDIS_ADDR is set, and an in-process one otherwise.
func NewWakeup(ctx context.Context, cfg config.Config, logger *zap.Logger) (service.Wakeup, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Info("wakeup: in-process (REDIS_ADDR not set)")
		return service.NewChannelWakeup(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	logger.Info("wakeup: redis", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.RedisWakeupKey))
	return service.NewRedisWakeup(rdb, cfg.RedisWakeupKey), func() { _ = rdb.Close() }, nil
}
