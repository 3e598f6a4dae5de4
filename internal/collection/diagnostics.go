package collection

import (
	"sync"
	"time"
)

// DiagnosticInfo 一条诊断记录
type DiagnosticInfo struct {
	KnowledgeBaseID uint                   `json:"kb_id"`
	ErrorType       string                 `json:"error_type"`
	Message         string                 `json:"message"`
	Timestamp       time.Time              `json:"timestamp"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Remediation     []string               `json:"remediation,omitempty"`
}

// DiagnosticsRing 容量固定的诊断环形缓冲区
// 写满后淘汰最旧的记录
type DiagnosticsRing struct {
	mu      sync.RWMutex
	entries []DiagnosticInfo
	cap     int
	next    int
	full    bool
}

// NewDiagnosticsRing 创建诊断缓冲区
func NewDiagnosticsRing(capacity int) *DiagnosticsRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &DiagnosticsRing{
		entries: make([]DiagnosticInfo, capacity),
		cap:     capacity,
	}
}

// Append 追加一条诊断记录
func (r *DiagnosticsRing) Append(info DiagnosticInfo) {
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = info
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Query 按租户和时间窗口查询，kbID为0表示全部租户
// 返回结果按时间从旧到新排列
func (r *DiagnosticsRing) Query(kbID uint, window time.Duration) []DiagnosticInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	size := r.next
	start := 0
	if r.full {
		size = r.cap
		start = r.next
	}

	result := make([]DiagnosticInfo, 0, size)
	for i := 0; i < size; i++ {
		entry := r.entries[(start+i)%r.cap]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if kbID != 0 && entry.KnowledgeBaseID != kbID {
			continue
		}
		result = append(result, entry)
	}
	return result
}

// Len 当前记录数
func (r *DiagnosticsRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.cap
	}
	return r.next
}
