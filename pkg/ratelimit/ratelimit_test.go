package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/errors"
)

func TestWaitZeroConfig(t *testing.T) {
	l := New(config.RateLimitConfig{})

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int64(100), l.GetStats().Requests)
}

func TestWaitMinInterval(t *testing.T) {
	l := New(config.RateLimitConfig{MinInterval: 20 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	// First request is free; two more must each wait the interval.
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWaitWindowBudget(t *testing.T) {
	l := New(config.RateLimitConfig{
		RequestBudget: 2,
		Window:        80 * time.Millisecond,
	})

	start := time.Now()
	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// Third request must wait for the window to roll.
	require.NoError(t, l.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestWaitCancellation(t *testing.T) {
	l := New(config.RateLimitConfig{MinInterval: 10 * time.Second})
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))

	// The cancelled wait consumed nothing.
	assert.Equal(t, int64(1), l.GetStats().Requests)
}

func TestLimitersAreIndependent(t *testing.T) {
	a := New(config.RateLimitConfig{MinInterval: 10 * time.Second})
	b := New(config.RateLimitConfig{MinInterval: 10 * time.Second})

	require.NoError(t, a.Wait(context.Background()))

	// b has its own state and admits immediately.
	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGetStats(t *testing.T) {
	l := New(config.RateLimitConfig{
		MinInterval:   5 * time.Millisecond,
		RequestBudget: 10,
		Window:        time.Second,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}

	stats := l.GetStats()
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, 3, stats.WindowInUse)
	assert.Equal(t, 10, stats.WindowBudget)
	assert.False(t, stats.LastRequest.IsZero())
}
