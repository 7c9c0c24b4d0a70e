// Package ratelimit bounds outbound request rate to one upstream API under
// two independently enforced ceilings: a short burst window and a sustained
// per-minute window.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// DualLimiter enforces a requests-per-second ceiling and a requests-per-minute
// ceiling at the same time. Wait blocks until both grant a slot; x/time/rate
// reservations keep waiting callers FIFO.
type DualLimiter struct {
	burst     *rate.Limiter
	sustained *rate.Limiter
}

// New creates a limiter with the given per-second and per-minute ceilings.
// Non-positive values disable the corresponding window.
func New(perSecond, perMinute int) *DualLimiter {
	l := &DualLimiter{}
	if perSecond > 0 {
		l.burst = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	if perMinute > 0 {
		l.sustained = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	}
	return l
}

// Wait blocks until a request slot is available under both ceilings, or the
// context is cancelled. There is no error condition beyond cancellation.
func (l *DualLimiter) Wait(ctx context.Context) error {
	if l.sustained != nil {
		if err := l.sustained.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	if l.burst != nil {
		if err := l.burst.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}
	return nil
}
