package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	}, logger)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, Open, cb.GetState())

	// While open, calls are rejected without running the function.
	ran := false
	err := cb.Execute(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)

	stats := cb.GetStats()
	assert.Equal(t, int64(3), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.RejectedRequests)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	// Two failures, one success, two more failures: still closed.
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	_ = cb.Execute(ctx, func(context.Context) error { return boom })

	assert.Equal(t, Closed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	require.Equal(t, Open, cb.GetState())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, Closed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	require.Equal(t, Open, cb.GetState())

	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(ctx, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Open, cb.GetState())

	// The recovery timer restarted: an immediate follow-up is rejected.
	err = cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	// Hold the trial call open and verify a concurrent caller is rejected.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := cb.Execute(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)

	close(release)
	assert.NoError(t, <-done)
	assert.Equal(t, Closed, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errors.New("boom") })
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.Equal(t, Closed, cb.GetState())
	assert.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
}
