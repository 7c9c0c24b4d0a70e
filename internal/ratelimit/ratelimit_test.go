package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDualLimiter_WaitWithinBurst(t *testing.T) {
	l := New(100, 6000)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDualLimiter_WaitHonorsCancellation(t *testing.T) {
	l := New(1, 60)

	// Drain the burst capacity.
	require.NoError(t, l.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.Error(t, err)
}

func TestDualLimiter_DisabledWindows(t *testing.T) {
	l := New(0, 0)

	// With both ceilings disabled Wait never blocks.
	start := time.Now()
	for i := 0; i < 100; i++ {
		assert.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
