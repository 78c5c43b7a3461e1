package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Notifier is told that a job became claimable.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Wakeup lets idle runners wait for new work instead of sleeping the full
// poll interval. It is a latency hint only: the job store stays the source
// of truth, a lost signal just means the runner polls on its normal cadence.
type Wakeup interface {
	Notifier
	// Wait returns nil when signalled or when timeout elapses.
	Wait(ctx context.Context, timeout time.Duration) error
}

// RedisWakeup shares wake-up tokens between processes through a Redis list:
// Notify pushes a token, Wait pops one with BRPOP.
type RedisWakeup struct {
	rdb *redis.Client
	key string
	// maxTokens bounds the list so tokens do not pile up while no runner listens.
	maxTokens int64
}

func NewRedisWakeup(rdb *redis.Client, key string) *RedisWakeup {
	return &RedisWakeup{rdb: rdb, key: key, maxTokens: 64}
}

func (w *RedisWakeup) Notify(ctx context.Context) error {
	pipe := w.rdb.TxPipeline()
	pipe.LPush(ctx, w.key, "1")
	pipe.LTrim(ctx, w.key, 0, w.maxTokens-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (w *RedisWakeup) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout < time.Second {
		// BRPOP blocks in whole seconds; shorter waits still block for one.
		timeout = time.Second
	}
	_, err := w.rdb.BRPop(ctx, timeout, w.key).Result()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// ChannelWakeup is the in-process Wakeup used when producers and runners
// share a process and no Redis is configured.
type ChannelWakeup struct {
	ch chan struct{}
}

func NewChannelWakeup() *ChannelWakeup {
	return &ChannelWakeup{ch: make(chan struct{}, 1)}
}

func (w *ChannelWakeup) Notify(context.Context) error {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return nil
}

func (w *ChannelWakeup) Wait(ctx context.Context, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-w.ch:
		return nil
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
