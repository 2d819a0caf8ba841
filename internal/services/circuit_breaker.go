package services

import (
	"sync"
	"time"

	"livedesk/internal/config"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 关闭（正常放行）
	BreakerOpen                         // 打开（熔断中）
	BreakerHalfOpen                     // 半开（试探恢复）
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 保护持久化写入路径：连续失败达到阈值后打开，
// 冷却期过后进入半开试探。
type CircuitBreaker struct {
	cfg          config.BreakerConfig
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	mutex        sync.Mutex
}

// NewCircuitBreaker 使用配置创建熔断器；零值配置回落到默认值
func NewCircuitBreaker(cfg config.BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 3
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.lastFailTime) > cb.cfg.ResetTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenReqs = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenReqs < cb.cfg.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

// OnSuccess 记录成功请求
func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		// 半开试探成功，恢复关闭
		cb.state = BreakerClosed
		cb.failureCount = 0
		cb.halfOpenReqs = 0
	}
}

// OnFailure 记录失败请求
func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case BreakerClosed:
		if cb.failureCount >= cb.cfg.MaxFailures {
			cb.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// 半开试探失败，立即重新打开
		cb.state = BreakerOpen
		cb.halfOpenReqs = 0
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() BreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// FailureCount 获取失败计数
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failureCount
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// Stats 获取熔断器统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return map[string]interface{}{
		"state":         cb.state.String(),
		"failure_count": cb.failureCount,
		"max_failures":  cb.cfg.MaxFailures,
		"reset_timeout": cb.cfg.ResetTimeout,
	}
}
