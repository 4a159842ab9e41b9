package monitor

import (
	"testing"
	"time"

	"github.com/powerman/check"
)

func TestMain(m *testing.M) {
	check.TestMain(m)
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		MonitoringPeriod: time.Minute,
	}
}

func TestBreakerOpensAtThreshold(tt *testing.T) {
	t := check.T(tt)
	breaker := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 4; i++ {
		breaker.RecordFailure()
		t.False(breaker.IsOpen())
	}
	breaker.RecordFailure()
	t.True(breaker.IsOpen())
	t.Equal(breaker.State(), BreakerOpen)
	t.True(breaker.RetryAfter() > 0)
}

func TestBreakerSuccessResetsFailureCount(tt *testing.T) {
	t := check.T(tt)
	breaker := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 4; i++ {
		breaker.RecordFailure()
	}
	breaker.RecordSuccess()
	for i := 0; i < 4; i++ {
		breaker.RecordFailure()
		t.False(breaker.IsOpen())
	}
	breaker.RecordFailure()
	t.True(breaker.IsOpen())
}

func TestBreakerHalfOpenRecovery(tt *testing.T) {
	t := check.T(tt)
	cfg := testBreakerConfig()
	breaker := NewCircuitBreaker(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		breaker.RecordFailure()
	}
	t.True(breaker.IsOpen())

	time.Sleep(cfg.Timeout + 10*time.Millisecond)
	t.False(breaker.IsOpen())
	t.Equal(breaker.State(), BreakerHalfOpen)

	breaker.RecordSuccess()
	t.Equal(breaker.State(), BreakerHalfOpen)
	breaker.RecordSuccess()
	t.Equal(breaker.State(), BreakerClosed)
}

func TestBreakerHalfOpenFailureReopens(tt *testing.T) {
	t := check.T(tt)
	cfg := testBreakerConfig()
	breaker := NewCircuitBreaker(cfg)
	for i := 0; i < cfg.FailureThreshold; i++ {
		breaker.RecordFailure()
	}
	time.Sleep(cfg.Timeout + 10*time.Millisecond)
	t.Equal(breaker.State(), BreakerHalfOpen)

	// Partial half-open progress is discarded by a single failure.
	breaker.RecordSuccess()
	breaker.RecordFailure()
	t.Equal(breaker.State(), BreakerOpen)
	t.True(breaker.RetryAfter() > 0)
}

func TestBreakerRetryAfterZeroWhenClosed(tt *testing.T) {
	t := check.T(tt)
	breaker := NewCircuitBreaker(testBreakerConfig())
	t.Equal(breaker.RetryAfter(), time.Duration(0))
	breaker.RecordSuccess()
	t.Equal(breaker.RetryAfter(), time.Duration(0))
}
