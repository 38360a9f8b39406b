package auditstore

import (
	"context"
	"time"
)

// HealthChecker defines the interface for probing connection pool health
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
	GetStats() PoolStats
	IsHealthy() bool
	LastCheckTime() time.Time
}

// DefaultHealthChecker probes health with a trivial SQL query
type DefaultHealthChecker struct {
	pool      *PostgresPool
	lastCheck time.Time
	isHealthy bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(pool *PostgresPool) HealthChecker {
	return &DefaultHealthChecker{
		pool:      pool,
		lastCheck: time.Now(),
		isHealthy: false,
	}
}

// CheckHealth probes the database connection
func (h *DefaultHealthChecker) CheckHealth(ctx context.Context) error {
	// bound the health check with a timeout
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// run a trivial query to verify the connection
	rows, err := h.pool.pool.Query(checkCtx, "SELECT 1")
	if err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}
	defer rows.Close()

	// confirm the query returned a row
	if !rows.Next() {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	var result int
	if err := rows.Scan(&result); err != nil {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return err
	}

	// confirm the row has the expected value
	if result != 1 {
		h.pool.metrics.RecordHealthCheck(false)
		h.isHealthy = false
		h.lastCheck = time.Now()
		return ErrHealthCheckFailed
	}

	h.pool.metrics.RecordHealthCheck(true)
	h.isHealthy = true
	h.lastCheck = time.Now()
	return nil
}

// GetStats returns the current pool statistics
func (h *DefaultHealthChecker) GetStats() PoolStats {
	return h.pool.metrics.Snapshot()
}

// IsHealthy reports the last known health state
func (h *DefaultHealthChecker) IsHealthy() bool {
	return h.isHealthy
}

// LastCheckTime returns when the last health check ran
func (h *DefaultHealthChecker) LastCheckTime() time.Time {
	return h.lastCheck
}

// PeriodicHealthChecker runs health checks on a fixed interval
type PeriodicHealthChecker struct {
	checker   HealthChecker
	interval  time.Duration
	stopCh    chan struct{}
	isRunning bool
}

// NewPeriodicHealthChecker creates a periodic health checker
func NewPeriodicHealthChecker(checker HealthChecker, interval time.Duration) *PeriodicHealthChecker {
	return &PeriodicHealthChecker{
		checker:   checker,
		interval:  interval,
		stopCh:    make(chan struct{}),
		isRunning: false,
	}
}

// Start begins the periodic health check loop
func (p *PeriodicHealthChecker) Start(ctx context.Context) {
	if p.isRunning {
		return
	}

	p.isRunning = true

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.isRunning = false
				return
			case <-p.stopCh:
				p.isRunning = false
				return
			case <-ticker.C:
				// run the health check in the background
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

				if err := p.checker.CheckHealth(checkCtx); err != nil {
					// log the failure but keep checking
					// (structured logging wired in by the caller)
				}

				cancel()
			}
		}
	}()
}

// Stop halts the periodic health check loop
func (p *PeriodicHealthChecker) Stop() {
	if !p.isRunning {
		return
	}

	select {
	case p.stopCh <- struct{}{}:
	default:
		// channel already closed or full
	}
}

// IsRunning reports whether the loop is active
func (p *PeriodicHealthChecker) IsRunning() bool {
	return p.isRunning
}

// CircuitBreakerHealthChecker wraps a health checker with a circuit breaker
type CircuitBreakerHealthChecker struct {
	checker      HealthChecker
	failureCount int
	maxFailures  int
	resetTimeout time.Duration
	lastFailure  time.Time
	state        CircuitBreakerState
}

// CircuitBreakerState represents the circuit breaker's state
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// NewCircuitBreakerHealthChecker creates a circuit-breaker-guarded health checker
func NewCircuitBreakerHealthChecker(checker HealthChecker, maxFailures int, resetTimeout time.Duration) *CircuitBreakerHealthChecker {
	return &CircuitBreakerHealthChecker{
		checker:      checker,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// CheckHealth probes health through the circuit breaker
func (c *CircuitBreakerHealthChecker) CheckHealth(ctx context.Context) error {
	switch c.state {
	case StateOpen:
		// if the breaker is open, check whether it's time to try half-open
		if time.Since(c.lastFailure) > c.resetTimeout {
			c.state = StateHalfOpen
		} else {
			return ErrCircuitBreakerOpen
		}
	case StateHalfOpen:
		// in half-open state, run a trial check
		fallthrough
	case StateClosed:
		// in closed state, run the normal check
		break
	}

	// run the health check
	err := c.checker.CheckHealth(ctx)

	if err != nil {
		c.failureCount++
		c.lastFailure = time.Now()

		if c.failureCount >= c.maxFailures {
			c.state = StateOpen
		}
		return err
	}

	// check succeeded
	c.failureCount = 0
	c.state = StateClosed
	return nil
}

// GetStats returns statistics
func (c *CircuitBreakerHealthChecker) GetStats() PoolStats {
	return c.checker.GetStats()
}

// IsHealthy reports health accounting for circuit breaker state
func (c *CircuitBreakerHealthChecker) IsHealthy() bool {
	return c.checker.IsHealthy() && c.state != StateOpen
}

// LastCheckTime returns when the last check ran
func (c *CircuitBreakerHealthChecker) LastCheckTime() time.Time {
	return c.checker.LastCheckTime()
}

// GetState returns the current circuit breaker state
func (c *CircuitBreakerHealthChecker) GetState() CircuitBreakerState {
	return c.state
}

// GetFailureCount returns the number of consecutive failures
func (c *CircuitBreakerHealthChecker) GetFailureCount() int {
	return c.failureCount
}
