package collection

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskType 维护任务类型
type TaskType string

const (
	TaskOptimize    TaskType = "optimize"
	TaskHealthCheck TaskType = "health_check"
	TaskRepair      TaskType = "repair"
	TaskCleanup     TaskType = "cleanup"
	TaskMigrate     TaskType = "migrate"
)

// MaintenanceTask 维护任务
// 值类型记录，由单一驱动循环消费
type MaintenanceTask struct {
	ID              string                 `json:"id"`
	KnowledgeBaseID uint                   `json:"kb_id"`
	Type            TaskType               `json:"type"`
	Priority        int                    `json:"priority"` // 数值越小优先级越高
	ScheduledAt     time.Time              `json:"scheduled_at"`
	Attempts        int                    `json:"attempts"`
	MaxAttempts     int                    `json:"max_attempts"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
}

// taskHeap 按(优先级,调度时间)排序的任务堆
type taskHeap []MaintenanceTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(MaintenanceTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}

// MaintenanceQueue 维护任务优先级队列
type MaintenanceQueue struct {
	mu    sync.Mutex
	tasks taskHeap
}

// NewMaintenanceQueue 创建维护队列
func NewMaintenanceQueue() *MaintenanceQueue {
	q := &MaintenanceQueue{}
	heap.Init(&q.tasks)
	return q
}

// Enqueue 入队任务，未设置ID时自动生成
func (q *MaintenanceQueue) Enqueue(task MaintenanceTask) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.tasks, task)
}

// PopDue 弹出优先级最高且调度时间已到的任务
// 无到期任务时返回false
func (q *MaintenanceQueue) PopDue(now time.Time) (MaintenanceTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// 堆顶可能是高优先级但未到期的任务，需要在到期项中选最优
	best := -1
	for i := range q.tasks {
		if q.tasks[i].ScheduledAt.After(now) {
			continue
		}
		if best == -1 || q.tasks.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return MaintenanceTask{}, false
	}
	return heap.Remove(&q.tasks, best).(MaintenanceTask), true
}

// Len 当前任务数
func (q *MaintenanceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Snapshot 获取任务快照
func (q *MaintenanceQueue) Snapshot() []MaintenanceTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]MaintenanceTask, len(q.tasks))
	copy(out, q.tasks)
	return out
}
