package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowHonoursBurst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 2)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}

func TestRateLimiter_UpdateLimits(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	rl.UpdateLimits(1000, 5)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0.001, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestRunMetricsServer_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunMetricsServer(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
