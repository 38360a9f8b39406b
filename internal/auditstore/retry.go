package auditstore

import (
	"context"
	"math/rand"
	"time"

	"log/slog"
)

// RetryConfig holds settings for the retry mechanism
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryExecutor runs operations with retry logic
type RetryExecutor struct {
	config RetryConfig
	logger *slog.Logger
}

// NewRetryExecutor creates a new retry executor
func NewRetryExecutor(config RetryConfig, logger *slog.Logger) *RetryExecutor {
	if logger == nil {
		logger = slog.Default()
	}

	return &RetryExecutor{
		config: config,
		logger: logger,
	}
}

// Execute runs an operation with retry logic
func (r *RetryExecutor) Execute(ctx context.Context, operation func() error) error {
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		// run the operation
		err := operation()
		if err == nil {
			// succeeded
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt+1,
					"total_attempts", attempt+1)
			}
			return nil
		}

		lastErr = err

		// decide whether to retry
		if attempt < r.config.MaxRetries && r.shouldRetry(err) {
			r.logger.Warn("Operation failed, retrying",
				"attempt", attempt+1,
				"max_retries", r.config.MaxRetries,
				"delay", delay,
				"error", err)

			// wait before the next attempt
			if !r.waitWithContext(ctx, delay) {
				// context was cancelled
				return ctx.Err()
			}

			// grow the delay for the next attempt
			delay = r.nextDelay(delay)
		} else {
			// out of attempts, or the error isn't retryable
			break
		}
	}

	r.logger.Error("Operation failed after all retries",
		"max_retries", r.config.MaxRetries,
		"error", lastErr)

	return lastErr
}

// ExecuteWithResult runs an operation with retry logic and returns its result
func (r *RetryExecutor) ExecuteWithResult(ctx context.Context, operation func() (interface{}, error)) (interface{}, error) {
	var lastResult interface{}
	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		// run the operation
		result, err := operation()
		if err == nil {
			// succeeded
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt+1,
					"total_attempts", attempt+1)
			}
			return result, nil
		}

		lastResult = result
		lastErr = err

		// decide whether to retry
		if attempt < r.config.MaxRetries && r.shouldRetry(err) {
			r.logger.Warn("Operation failed, retrying",
				"attempt", attempt+1,
				"max_retries", r.config.MaxRetries,
				"delay", delay,
				"error", err)

			// wait before the next attempt
			if !r.waitWithContext(ctx, delay) {
				// context was cancelled
				return nil, ctx.Err()
			}

			// grow the delay for the next attempt
			delay = r.nextDelay(delay)
		} else {
			// out of attempts, or the error isn't retryable
			break
		}
	}

	r.logger.Error("Operation failed after all retries",
		"max_retries", r.config.MaxRetries,
		"error", lastErr)

	return lastResult, lastErr
}

// shouldRetry decides whether an error warrants another attempt
func (r *RetryExecutor) shouldRetry(err error) bool {
	return IsRetryable(err)
}

// waitWithContext sleeps for the given duration, honoring context cancellation
func (r *RetryExecutor) waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// nextDelay computes the next backoff delay with jitter
func (r *RetryExecutor) nextDelay(currentDelay time.Duration) time.Duration {
	// Exponential backoff
	nextDelay := time.Duration(float64(currentDelay) * r.config.BackoffFactor)

	// cap at the maximum delay
	if nextDelay > r.config.MaxDelay {
		nextDelay = r.config.MaxDelay
	}

	// add jitter to avoid a thundering herd
	if r.config.JitterFactor > 0 {
		jitter := time.Duration(float64(nextDelay) * r.config.JitterFactor * rand.Float64())
		nextDelay += jitter
	}

	return nextDelay
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	state        CircuitBreakerState
	failureCount int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	lastSuccess  time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:        StateClosed,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Call runs an operation through the circuit breaker
func (cb *CircuitBreaker) Call(operation func() error) error {
	switch cb.state {
	case StateOpen:
		// if the breaker is open, check whether it's time to try half-open
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = StateHalfOpen
		} else {
			return ErrCircuitBreakerOpen
		}
	case StateHalfOpen:
		// in half-open state, run a trial call
		fallthrough
	case StateClosed:
		// in closed state, run the call normally
		break
	}

	// run the operation
	err := operation()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

// recordFailure records a failed attempt
func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailure = time.Now()

	if cb.failureCount >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// recordSuccess records a successful attempt
func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	cb.lastSuccess = time.Now()
	cb.state = StateClosed
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return cb.state
}

// GetFailureCount returns the number of consecutive failures
func (cb *CircuitBreaker) GetFailureCount() int {
	return cb.failureCount
}

// IsOpen reports whether the breaker is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.state == StateOpen
}

// Reset restores the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Now()
}
