// Package resilience provides the failure-isolation primitives wrapped around
// every upstream REST call.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting network I/O.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState int

const (
	Closed CircuitBreakerState = iota
	Open
	HalfOpen
)

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`  // Time to wait before the half-open trial
}

// CircuitBreakerStats holds statistics for the circuit breaker.
type CircuitBreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	StateChanges       int64     `json:"state_changes"`
}

// CircuitBreaker isolates a failing upstream: after FailureThreshold
// consecutive failures it opens and rejects calls outright; once
// RecoveryTimeout elapses exactly one trial call is let through, and its
// outcome decides whether the breaker closes again or reopens.
//
// The mutex guards only the counters and state, never a network call, so a
// closed breaker does not serialize unrelated callers.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger *logrus.Logger

	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	lastStateChange time.Time
	trialInFlight   bool
	stats           CircuitBreakerStats
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}

	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Execute runs the given function with circuit breaker protection. Any error
// from the wrapped call counts as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.beforeCall()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	cb.afterCall(trial, callErr)
	return callErr
}

// beforeCall decides admission. It returns whether this call is the
// half-open trial.
func (cb *CircuitBreaker) beforeCall() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++

	switch cb.state {
	case Closed:
		return false, nil

	case Open:
		if time.Since(cb.lastStateChange) > cb.config.RecoveryTimeout {
			cb.setState(HalfOpen)
			cb.trialInFlight = true
			return true, nil
		}
		cb.stats.RejectedRequests++
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           cb.stateName(),
			"failure_count":   cb.failureCount,
		}).Warn("Circuit breaker is open, rejecting request")
		return false, ErrCircuitOpen

	case HalfOpen:
		// Only the single trial call may pass while half-open.
		if cb.trialInFlight {
			cb.stats.RejectedRequests++
			return false, ErrCircuitOpen
		}
		cb.trialInFlight = true
		return true, nil

	default:
		return false, ErrCircuitOpen
	}
}

// afterCall records the call result.
func (cb *CircuitBreaker) afterCall(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if err != nil {
		cb.onFailure(trial, err)
		return
	}
	cb.onSuccess(trial)
}

func (cb *CircuitBreaker) onSuccess(trial bool) {
	cb.stats.SuccessfulRequests++

	switch cb.state {
	case Closed:
		cb.failureCount = 0
	case HalfOpen:
		if trial {
			cb.setState(Closed)
			cb.failureCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure(trial bool, err error) {
	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = time.Now()

	switch cb.state {
	case Closed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(Open)
		}
	case HalfOpen:
		if trial {
			// Failed trial reopens the breaker and restarts the recovery timer.
			cb.setState(Open)
		}
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"state":           cb.stateName(),
		"error":           err.Error(),
		"failure_count":   cb.failureCount,
	}).Warn("Circuit breaker: failed execution")
}

// setState changes the circuit breaker state. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.stats.StateChanges++

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"old_state":       stateName(oldState),
		"new_state":       stateName(newState),
		"failure_count":   cb.failureCount,
	}).Info("Circuit breaker state changed")
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns the current statistics.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// IsOpen returns true if the circuit breaker is open.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == Open
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(Closed)
	cb.failureCount = 0
	cb.trialInFlight = false

	cb.logger.WithField("circuit_breaker", cb.name).Info("Circuit breaker manually reset")
}

func (cb *CircuitBreaker) stateName() string {
	return stateName(cb.state)
}

func stateName(state CircuitBreakerState) string {
	switch state {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}
