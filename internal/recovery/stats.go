package recovery

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats 滚动统计：按类别和策略累计处理次数
type Stats struct {
	mu         sync.RWMutex
	byCategory map[ErrorCategory]int64
	byStrategy map[Strategy]int64
	handled    int64
	succeeded  int64
	since      time.Time
}

// NewStats 创建统计器
func NewStats() *Stats {
	return &Stats{
		byCategory: make(map[ErrorCategory]int64),
		byStrategy: make(map[Strategy]int64),
		since:      time.Now(),
	}
}

// Record 记录一次处理结果
func (s *Stats) Record(category ErrorCategory, strategy Strategy, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byCategory[category]++
	s.byStrategy[strategy]++
	s.handled++
	if success {
		s.succeeded++
	}
}

// Snapshot 获取统计快照
func (s *Stats) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make(map[string]int64, len(s.byCategory))
	for c, n := range s.byCategory {
		categories[string(c)] = n
	}
	strategies := make(map[string]int64, len(s.byStrategy))
	for st, n := range s.byStrategy {
		strategies[string(st)] = n
	}

	return map[string]interface{}{
		"handled_total":   s.handled,
		"succeeded_total": s.succeeded,
		"by_category":     categories,
		"by_strategy":     strategies,
		"since":           s.since.Format(time.RFC3339),
	}
}

// recoveryMetrics Prometheus指标
type recoveryMetrics struct {
	handledTotal      *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
	shortCircuitTotal prometheus.Counter
	breakerOpenTotal  prometheus.Counter
	recoveredTotal    prometheus.Counter
}

var (
	recoveryMetricsOnce sync.Once
	sharedRecoveryMet   *recoveryMetrics
)

// getRecoveryMetrics 获取共享指标，避免测试中重复注册
func getRecoveryMetrics() *recoveryMetrics {
	recoveryMetricsOnce.Do(func() {
		sharedRecoveryMet = &recoveryMetrics{
			handledTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "ragcore_recovery_handled_total",
				Help: "恢复引擎处理的错误总数",
			}, []string{"category", "strategy"}),
			handleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ragcore_recovery_handle_duration_seconds",
				Help:    "恢复决策耗时",
				Buckets: prometheus.DefBuckets,
			}, []string{"category"}),
			shortCircuitTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ragcore_recovery_short_circuit_total",
				Help: "被熔断器短路的调用总数",
			}),
			breakerOpenTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ragcore_recovery_breaker_open_total",
				Help: "熔断器打开次数",
			}),
			recoveredTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "ragcore_recovery_resource_recovered_total",
				Help: "故障后恢复正常的资源次数",
			}),
		}
	})
	return sharedRecoveryMet
}
