package pipeline

import (
	"sync"
	"time"
)

// 逻辑服务名
const (
	ServiceEmbedding            = "embedding"
	ServiceVectorSearch         = "vector_search"
	ServiceCollectionManagement = "collection_management"
)

// serviceHealth 单个逻辑服务的健康记录
type serviceHealth struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// HealthTable 逻辑服务健康表
// 检测"连续失败后的首次成功"以便上报恢复事件
type HealthTable struct {
	mu       sync.Mutex
	services map[string]*serviceHealth
}

// NewHealthTable 创建健康表
func NewHealthTable() *HealthTable {
	return &HealthTable{
		services: map[string]*serviceHealth{
			ServiceEmbedding:            {},
			ServiceVectorSearch:         {},
			ServiceCollectionManagement: {},
		},
	}
}

// MarkFailure 记录失败
func (h *HealthTable) MarkFailure(service string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.get(service)
	sh.ConsecutiveFailures++
	sh.TotalFailures++
	sh.LastFailure = time.Now()
}

// MarkSuccess 记录成功
// 此前存在≥1次连续失败时返回true，表示服务刚刚恢复
func (h *HealthTable) MarkSuccess(service string) (recovered bool, failureStreak int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sh := h.get(service)
	failureStreak = sh.ConsecutiveFailures
	recovered = failureStreak > 0
	sh.ConsecutiveFailures = 0
	sh.TotalSuccesses++
	sh.LastSuccess = time.Now()
	return recovered, failureStreak
}

// Snapshot 健康表快照
func (h *HealthTable) Snapshot() map[string]serviceHealth {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]serviceHealth, len(h.services))
	for name, sh := range h.services {
		out[name] = *sh
	}
	return out
}

func (h *HealthTable) get(service string) *serviceHealth {
	sh, ok := h.services[service]
	if !ok {
		sh = &serviceHealth{}
		h.services[service] = sh
	}
	return sh
}
