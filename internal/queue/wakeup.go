// Package queue carries advisory wake-up signals from admission to idle workers.
// The jobs table stays the source of truth; a lost signal only delays a claim
// until the next poll.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxPending caps the list so signals nobody consumes cannot grow without bound.
const maxPending = 1000

// Signaler announces that a job became claimable.
type Signaler interface {
	Signal(ctx context.Context, jobID string) error
}

// Waiter blocks until a signal arrives or the timeout elapses.
type Waiter interface {
	Wait(ctx context.Context, timeout time.Duration) (bool, error)
}

// RedisWakeup implements Signaler and Waiter over a Redis list.
type RedisWakeup struct {
	client redis.UniversalClient
	key    string
}

func NewRedisWakeup(client redis.UniversalClient, key string) *RedisWakeup {
	return &RedisWakeup{client: client, key: key}
}

// Dial parses a redis:// URL, checks connectivity and returns a wake-up list bound to key.
func Dial(ctx context.Context, url, key string) (*RedisWakeup, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	return NewRedisWakeup(client, key), nil
}

// Signal pushes the job id to the head of the list.
func (w *RedisWakeup) Signal(ctx context.Context, jobID string) error {
	if w == nil || w.client == nil {
		return nil
	}
	pipe := w.client.TxPipeline()
	pipe.LPush(ctx, w.key, jobID)
	pipe.LTrim(ctx, w.key, 0, maxPending-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: signal %s: %w", jobID, err)
	}
	return nil
}

// Wait pops one signal, blocking for at most timeout. It reports false when the
// timeout elapsed without a signal.
func (w *RedisWakeup) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if w == nil || w.client == nil {
		return sleep(ctx, timeout)
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	_, err := w.client.BRPop(ctx, timeout, w.key).Result()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, fmt.Errorf("queue: wait: %w", err)
	}
}

// Pending returns the number of unconsumed signals.
func (w *RedisWakeup) Pending(ctx context.Context) (int64, error) {
	if w == nil || w.client == nil {
		return 0, nil
	}
	return w.client.LLen(ctx, w.key).Result()
}

func (w *RedisWakeup) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}

func sleep(ctx context.Context, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return false, nil
	}
}
