package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/logger"
)

// PerformanceMonitor 各阶段延迟的滚动统计
type PerformanceMonitor struct {
	metrics map[string]*OperationMetrics
	mu      sync.RWMutex
}

// OperationMetrics 单个操作的延迟指标
type OperationMetrics struct {
	Name          string        `json:"name"`
	TotalCalls    int64         `json:"total_calls"`
	TotalDuration time.Duration `json:"total_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastDuration  time.Duration `json:"last_duration"`
	ErrorCount    int64         `json:"error_count"`
}

// NewPerformanceMonitor 创建性能监控
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		metrics: make(map[string]*OperationMetrics),
	}

	// 预定义关键阶段指标
	operations := []string{
		"config_validation",
		"ensure_collection",
		"query_embedding",
		"chunk_embedding",
		"vector_search",
		"chunk_store",
		"reconcile",
	}
	for _, op := range operations {
		pm.metrics[op] = &OperationMetrics{
			Name:        op,
			MinDuration: time.Hour, // 初始化为较大值
		}
	}
	return pm
}

// Record 记录一次操作耗时
func (pm *PerformanceMonitor) Record(operation string, duration time.Duration, success bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	metrics, exists := pm.metrics[operation]
	if !exists {
		metrics = &OperationMetrics{Name: operation, MinDuration: time.Hour}
		pm.metrics[operation] = metrics
	}

	metrics.TotalCalls++
	metrics.TotalDuration += duration
	metrics.LastDuration = duration
	if duration < metrics.MinDuration {
		metrics.MinDuration = duration
	}
	if duration > metrics.MaxDuration {
		metrics.MaxDuration = duration
	}
	if !success {
		metrics.ErrorCount++
	}

	// 慢操作单独记日志
	if duration > time.Second {
		logger.Info("slow operation detected",
			zap.String("operation", operation),
			zap.Duration("duration", duration),
			zap.Bool("success", success))
	}
}

// TimeOperation 计时辅助：defer done(err == nil)
func (pm *PerformanceMonitor) TimeOperation(operation string) func(success bool) {
	start := time.Now()
	return func(success bool) {
		pm.Record(operation, time.Since(start), success)
	}
}

// Snapshot 全部指标快照
func (pm *PerformanceMonitor) Snapshot() map[string]OperationMetrics {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(pm.metrics))
	for name, m := range pm.metrics {
		snapshot := *m
		if snapshot.TotalCalls == 0 {
			snapshot.MinDuration = 0
		}
		out[name] = snapshot
	}
	return out
}

// Average 某操作的平均耗时
func (pm *PerformanceMonitor) Average(operation string) time.Duration {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	m, ok := pm.metrics[operation]
	if !ok || m.TotalCalls == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalCalls)
}
