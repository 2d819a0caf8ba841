package services

import (
	"testing"
	"time"

	"livedesk/internal/config"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	cb := NewCircuitBreaker(config.BreakerConfig{MaxFailures: 1, ResetTimeout: 1 * time.Millisecond, HalfOpenMaxReqs: 1})

	if cb.State() != BreakerClosed {
		t.Fatalf("new breaker should be closed")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should open after reaching max failures")
	}
	if cb.Allow() {
		t.Fatalf("open breaker must reject before reset timeout")
	}

	// 冷却期过后 Allow 进入半开并放行一个请求
	time.Sleep(2 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected allow in half-open")
	}
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state should be half-open after allow")
	}

	// 半开成功 -> 关闭
	cb.OnSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("expected closed after success in half-open")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(config.BreakerConfig{MaxFailures: 1, ResetTimeout: 1 * time.Millisecond, HalfOpenMaxReqs: 1})

	cb.OnFailure()
	time.Sleep(2 * time.Millisecond)
	if !cb.Allow() {
		t.Fatalf("expected allow in half-open")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("half-open failure should reopen the breaker")
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb := NewCircuitBreaker(config.BreakerConfig{MaxFailures: 1, ResetTimeout: 1 * time.Millisecond, HalfOpenMaxReqs: 2})

	cb.OnFailure()
	time.Sleep(2 * time.Millisecond)
	if !cb.Allow() || !cb.Allow() {
		t.Fatalf("half-open should allow up to the probe limit")
	}
	if cb.Allow() {
		t.Fatalf("half-open must reject beyond the probe limit")
	}
}

func TestCircuitBreaker_ZeroConfigDefaults(t *testing.T) {
	cb := NewCircuitBreaker(config.BreakerConfig{})
	for i := 0; i < 4; i++ {
		cb.OnFailure()
	}
	if cb.State() != BreakerClosed {
		t.Fatalf("default threshold is 5, breaker opened early")
	}
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should open at the default threshold")
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := []struct {
		state    BreakerState
		expected string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
		{BreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("String() = %v, want %v", got, tt.expected)
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(config.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, HalfOpenMaxReqs: 1})
	cb.OnFailure()
	if cb.State() != BreakerOpen {
		t.Fatalf("breaker should be open")
	}
	cb.Reset()
	if cb.State() != BreakerClosed || cb.FailureCount() != 0 {
		t.Fatalf("reset should close the breaker and clear failures")
	}
}
