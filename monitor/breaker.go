package monitor

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (state BreakerState) String() string {
	switch state {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "closed"
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MonitoringPeriod time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		MonitoringPeriod: 10 * time.Minute,
	}
}

// CircuitBreaker isolates one failing upstream server. Transitions follow
// CLOSED -> OPEN -> HALF_OPEN -> {CLOSED, OPEN}; the OPEN -> HALF_OPEN edge is
// taken lazily when IsOpen is consulted after the cooldown has elapsed.
type CircuitBreaker struct {
	sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
	totalOps    uint64
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

func (breaker *CircuitBreaker) RecordSuccess() {
	breaker.Lock()
	defer breaker.Unlock()
	breaker.totalOps++
	breaker.maybeHalfOpenLocked(time.Now())
	switch breaker.state {
	case BreakerClosed:
		breaker.failures = 0
	case BreakerHalfOpen:
		breaker.successes++
		if breaker.successes >= breaker.cfg.SuccessThreshold {
			breaker.state = BreakerClosed
			breaker.failures = 0
			breaker.successes = 0
		}
	}
}

func (breaker *CircuitBreaker) RecordFailure() {
	breaker.Lock()
	defer breaker.Unlock()
	breaker.totalOps++
	now := time.Now()
	breaker.maybeHalfOpenLocked(now)
	breaker.lastFailure = now
	switch breaker.state {
	case BreakerClosed:
		breaker.failures++
		if breaker.failures >= breaker.cfg.FailureThreshold {
			breaker.state = BreakerOpen
			breaker.openedAt = now
		}
	case BreakerHalfOpen:
		// A single probe failure reopens immediately, discarding any
		// half-open progress.
		breaker.state = BreakerOpen
		breaker.openedAt = now
		breaker.successes = 0
	}
}

// IsOpen reports whether calls should be rejected. Querying it is what moves
// an expired OPEN state to HALF_OPEN.
func (breaker *CircuitBreaker) IsOpen() bool {
	breaker.Lock()
	defer breaker.Unlock()
	breaker.maybeHalfOpenLocked(time.Now())
	return breaker.state == BreakerOpen
}

func (breaker *CircuitBreaker) State() BreakerState {
	breaker.Lock()
	defer breaker.Unlock()
	breaker.maybeHalfOpenLocked(time.Now())
	return breaker.state
}

// RetryAfter returns the remaining OPEN cooldown, or zero when not OPEN.
func (breaker *CircuitBreaker) RetryAfter() time.Duration {
	breaker.Lock()
	defer breaker.Unlock()
	if breaker.state != BreakerOpen {
		return 0
	}
	remaining := breaker.openedAt.Add(breaker.cfg.Timeout).Sub(time.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (breaker *CircuitBreaker) Totals() (failures int, operations uint64) {
	breaker.Lock()
	defer breaker.Unlock()
	return breaker.failures, breaker.totalOps
}

func (breaker *CircuitBreaker) maybeHalfOpenLocked(now time.Time) {
	if breaker.state == BreakerOpen && now.Sub(breaker.openedAt) >= breaker.cfg.Timeout {
		breaker.state = BreakerHalfOpen
		breaker.successes = 0
	}
}
