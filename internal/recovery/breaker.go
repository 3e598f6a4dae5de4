package recovery

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String 返回状态字符串
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker 熔断器
// 状态迁移只允许 closed→open→half_open→{closed|open}
type CircuitBreaker struct {
	key string

	// 配置
	failureThreshold int           // 失败阈值
	successThreshold int           // 成功阈值（半开状态）
	cooldown         time.Duration // 熔断冷却时间

	// 状态
	state           int32
	failureCount    int32
	successCount    int32
	lastFailureTime time.Time
	mutex           sync.RWMutex
}

// NewCircuitBreaker 创建熔断器
func NewCircuitBreaker(key string, failureThreshold, successThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		key:              key,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            int32(StateClosed),
	}
}

// CanExecute 检查是否允许执行请求
// open状态下冷却期已过则迁移到half_open并放行一次
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.State() {
	case StateClosed:
		return true
	case StateOpen:
		cb.mutex.RLock()
		cooled := time.Since(cb.lastFailureTime) >= cb.cooldown
		cb.mutex.RUnlock()

		if cooled {
			atomic.StoreInt32(&cb.state, int32(StateHalfOpen))
			atomic.StoreInt32(&cb.successCount, 0)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess 记录成功
// 半开状态下连续成功达到阈值后完全关闭
func (cb *CircuitBreaker) RecordSuccess() {
	switch cb.State() {
	case StateHalfOpen:
		count := atomic.AddInt32(&cb.successCount, 1)
		if int(count) >= cb.successThreshold {
			atomic.StoreInt32(&cb.state, int32(StateClosed))
			atomic.StoreInt32(&cb.failureCount, 0)
		}
	case StateClosed:
		atomic.StoreInt32(&cb.failureCount, 0)
	}
}

// RecordFailure 记录失败
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	cb.lastFailureTime = time.Now()
	cb.mutex.Unlock()

	switch cb.State() {
	case StateHalfOpen:
		// 半开状态下失败，直接重新打开
		atomic.StoreInt32(&cb.state, int32(StateOpen))
		atomic.StoreInt32(&cb.successCount, 0)
	case StateClosed:
		count := atomic.AddInt32(&cb.failureCount, 1)
		if int(count) >= cb.failureThreshold {
			atomic.StoreInt32(&cb.state, int32(StateOpen))
		}
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() BreakerState {
	return BreakerState(atomic.LoadInt32(&cb.state))
}

// Stats 获取统计信息
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"key":               cb.key,
		"state":             cb.State().String(),
		"failure_count":     atomic.LoadInt32(&cb.failureCount),
		"success_count":     atomic.LoadInt32(&cb.successCount),
		"failure_threshold": cb.failureThreshold,
		"success_threshold": cb.successThreshold,
		"cooldown":          cb.cooldown.String(),
		"last_failure_time": cb.lastFailureTime,
	}
}

// BreakerRegistry 熔断器注册表，按(租户,操作)键惰性创建
// 显式构造注入，测试可实例化隔离副本
type BreakerRegistry struct {
	failureThreshold int
	successThreshold int
	cooldown         time.Duration

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry 创建熔断器注册表
func NewBreakerRegistry(failureThreshold, successThreshold int, cooldown time.Duration) *BreakerRegistry {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	return &BreakerRegistry{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// BreakerKey 生成(租户,操作)资源键
func BreakerKey(kbID uint, operation string) string {
	return fmt.Sprintf("%d:%s", kbID, operation)
}

// Get 获取或创建熔断器；创建后不再删除
func (r *BreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[key]
	r.mu.RUnlock()
	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, exists = r.breakers[key]; exists {
		return cb
	}

	cb = NewCircuitBreaker(key, r.failureThreshold, r.successThreshold, r.cooldown)
	r.breakers[key] = cb
	return cb
}

// All 获取所有熔断器状态
func (r *BreakerRegistry) All() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]interface{}, len(r.breakers))
	for key, cb := range r.breakers {
		result[key] = cb.Stats()
	}
	return result
}
