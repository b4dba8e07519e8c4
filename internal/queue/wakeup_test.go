package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilWakeupIsInert(t *testing.T) {
	var w *RedisWakeup
	ctx := context.Background()

	require.NoError(t, w.Signal(ctx, "job"))
	n, err := w.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, w.Close())

	start := time.Now()
	got, err := w.Wait(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestNilWakeupWaitHonoursCancel(t *testing.T) {
	var w *RedisWakeup
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := w.Wait(ctx, time.Hour)
	assert.False(t, got)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialRejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "not-a-url", "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}
