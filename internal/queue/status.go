package queue

import (
	"sync"
	"time"

	apperrors "github.com/aihub/ragcore/internal/errors"
)

// Status 操作状态
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// OperationState 操作状态快照
type OperationState struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	KnowledgeBaseID uint      `json:"knowledge_base_id"`
	Status          Status    `json:"status"`
	Progress        float64   `json:"progress"`
	Error           string    `json:"error,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
}

// StatusManager 操作状态管理器
// 所有状态迁移经由同一把锁串行化，避免派发器与取消方竞态
type StatusManager struct {
	mu     sync.Mutex
	states map[string]*OperationState
}

// NewStatusManager 创建状态管理器
func NewStatusManager() *StatusManager {
	return &StatusManager{
		states: make(map[string]*OperationState),
	}
}

// Add 登记新入队操作
func (m *StatusManager) Add(id, kind string, kbID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[id] = &OperationState{
		ID:              id,
		Kind:            kind,
		KnowledgeBaseID: kbID,
		Status:          StatusQueued,
		EnqueuedAt:      time.Now(),
	}
}

// Remove 删除状态记录（入队失败回滚用）
func (m *StatusManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
}

// MarkRunning 将queued操作置为running
// 操作已被取消时返回false，派发器据此跳过执行
func (m *StatusManager) MarkRunning(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok || state.Status != StatusQueued {
		return false
	}
	state.Status = StatusRunning
	state.StartedAt = time.Now()
	return true
}

// MarkFinished 记录终态；已处于终态的操作不再变更
func (m *StatusManager) MarkFinished(id string, status Status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok || state.Status.Terminal() {
		return
	}
	state.Status = status
	state.Error = errMsg
	state.FinishedAt = time.Now()
	if status == StatusCompleted {
		state.Progress = 1
	}
}

// CancelQueued 取消尚未启动的操作，成功返回true
func (m *StatusManager) CancelQueued(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok || state.Status != StatusQueued {
		return false
	}
	state.Status = StatusCancelled
	state.FinishedAt = time.Now()
	return true
}

// SetProgress 更新进度（0~1）
func (m *StatusManager) SetProgress(id string, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[id]; ok && state.Status == StatusRunning {
		state.Progress = progress
	}
}

// Snapshot 获取操作状态副本
func (m *StatusManager) Snapshot(id string) (OperationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		return OperationState{}, apperrors.ErrOperationNotFound
	}
	return *state, nil
}

// Sweep 清理超过保留窗口的终态记录，返回清理数量
func (m *StatusManager) Sweep(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	purged := 0
	for id, state := range m.states {
		if state.Status.Terminal() && !state.FinishedAt.IsZero() && state.FinishedAt.Before(cutoff) {
			delete(m.states, id)
			purged++
		}
	}
	return purged
}

// Counts 按状态统计操作数量
func (m *StatusManager) Counts() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for _, state := range m.states {
		counts[state.Status]++
	}
	return counts
}
