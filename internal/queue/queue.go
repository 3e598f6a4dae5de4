package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Operation 操作描述符
type Operation struct {
	ID              string
	Kind            string
	KnowledgeBaseID uint
	Timeout         time.Duration
	Execute         func(ctx context.Context) error
}

// Options 队列配置
type Options struct {
	Capacity       int           // 队列容量N
	MaxConcurrency int           // 并发上限M
	Retention      time.Duration // 终态记录保留窗口
	SweepInterval  time.Duration
	DefaultTimeout time.Duration
}

// Stats 队列统计快照
type Stats struct {
	Depth     int            `json:"depth"`
	Capacity  int            `json:"capacity"`
	Running   int            `json:"running"`
	Workers   int            `json:"workers"`
	Enqueued  int64          `json:"enqueued"`
	Rejected  int64          `json:"rejected"`
	ByStatus  map[Status]int `json:"by_status"`
}

// OperationQueue 有界操作队列
// 队列满时Enqueue立即失败，绝不阻塞调用方
type OperationQueue struct {
	opts    Options
	ops     chan *Operation
	pool    *ants.Pool
	status  *StatusManager
	metrics *queueMetrics

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	shutdown bool

	running  sync.WaitGroup
	stopCh   chan struct{}
	enqueued int64
	rejected int64
}

// New 创建操作队列并启动派发循环
func New(opts Options) (*OperationQueue, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}

	pool, err := ants.NewPool(opts.MaxConcurrency)
	if err != nil {
		return nil, err
	}

	q := &OperationQueue{
		opts:    opts,
		ops:     make(chan *Operation, opts.Capacity),
		pool:    pool,
		status:  NewStatusManager(),
		metrics: newQueueMetrics(),
		cancels: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}

	go q.dispatch()
	go q.sweepLoop()
	return q, nil
}

// Enqueue 入队操作；队列满返回ErrQueueFull，关闭中返回ErrShuttingDown
func (q *OperationQueue) Enqueue(op *Operation) (string, error) {
	if op == nil || op.Execute == nil {
		return "", apperrors.NewValidationError("operation execute function is required")
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return "", apperrors.ErrShuttingDown
	}
	q.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timeout <= 0 {
		op.Timeout = q.opts.DefaultTimeout
	}

	q.status.Add(op.ID, op.Kind, op.KnowledgeBaseID)

	select {
	case q.ops <- op:
		q.mu.Lock()
		q.enqueued++
		q.mu.Unlock()
		q.metrics.enqueued.Inc()
		q.metrics.depth.Set(float64(len(q.ops)))
		return op.ID, nil
	default:
		// 队列满：立即拒绝，回滚状态记录
		q.status.Remove(op.ID)
		q.mu.Lock()
		q.rejected++
		q.mu.Unlock()
		q.metrics.rejected.Inc()
		return "", apperrors.ErrQueueFull
	}
}

// Status 查询操作状态快照
func (q *OperationQueue) Status(id string) (OperationState, error) {
	return q.status.Snapshot(id)
}

// Cancel 取消操作：排队中的立即取消，运行中的触发其上下文取消
func (q *OperationQueue) Cancel(id string) error {
	if q.status.CancelQueued(id) {
		q.metrics.finished.WithLabelValues(string(StatusCancelled)).Inc()
		return nil
	}

	q.mu.Lock()
	cancel, ok := q.cancels[id]
	q.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	if _, err := q.status.Snapshot(id); err != nil {
		return err
	}
	// 已处于终态，视为取消成功
	return nil
}

// dispatch 派发循环：从队列取操作，受ants池并发上限约束执行
func (q *OperationQueue) dispatch() {
	for {
		select {
		case <-q.stopCh:
			return
		case op := <-q.ops:
			q.metrics.depth.Set(float64(len(q.ops)))

			// 在派发线程检查取消，已取消的排队操作不占用工作槽
			if !q.status.MarkRunning(op.ID) {
				continue
			}

			q.running.Add(1)
			operation := op
			// Submit在池满时阻塞派发循环，形成并发上限M
			if err := q.pool.Submit(func() {
				defer q.running.Done()
				q.run(operation)
			}); err != nil {
				q.running.Done()
				q.status.MarkFinished(op.ID, StatusFailed, err.Error())
				q.metrics.finished.WithLabelValues(string(StatusFailed)).Inc()
			}
		}
	}
}

// run 执行单个操作
func (q *OperationQueue) run(op *Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), op.Timeout)

	q.mu.Lock()
	q.cancels[op.ID] = cancel
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		delete(q.cancels, op.ID)
		q.mu.Unlock()
	}()

	q.metrics.runningGauge.Inc()
	defer q.metrics.runningGauge.Dec()

	start := time.Now()
	err := op.Execute(ctx)
	q.metrics.duration.WithLabelValues(op.Kind).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		q.status.MarkFinished(op.ID, StatusCompleted, "")
		q.metrics.finished.WithLabelValues(string(StatusCompleted)).Inc()
	case errors.Is(err, context.Canceled):
		// 被取消的运行中操作与一般失败区分上报
		q.status.MarkFinished(op.ID, StatusCancelled, err.Error())
		q.metrics.finished.WithLabelValues(string(StatusCancelled)).Inc()
	default:
		q.status.MarkFinished(op.ID, StatusFailed, err.Error())
		q.metrics.finished.WithLabelValues(string(StatusFailed)).Inc()
	}
}

// sweepLoop 周期清理过期终态记录
func (q *OperationQueue) sweepLoop() {
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if purged := q.status.Sweep(q.opts.Retention); purged > 0 {
				logger.Debug("purged finished operations", zap.Int("count", purged))
			}
		}
	}
}

// Stats 返回队列统计快照
func (q *OperationQueue) Stats() Stats {
	q.mu.Lock()
	enqueued, rejected := q.enqueued, q.rejected
	q.mu.Unlock()

	return Stats{
		Depth:    len(q.ops),
		Capacity: q.opts.Capacity,
		Running:  q.pool.Running(),
		Workers:  q.opts.MaxConcurrency,
		Enqueued: enqueued,
		Rejected: rejected,
		ByStatus: q.status.Counts(),
	}
}

// Shutdown 关停队列
// 未启动的操作立即取消；运行中的操作获得grace宽限，超时后强制取消
func (q *OperationQueue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return
	}
	q.shutdown = true
	q.mu.Unlock()

	close(q.stopCh)

	// 清空队列，排队操作全部取消
	for {
		select {
		case op := <-q.ops:
			q.status.CancelQueued(op.ID)
			q.metrics.finished.WithLabelValues(string(StatusCancelled)).Inc()
		default:
			goto drained
		}
	}
drained:

	// 等待运行中的操作在宽限期内完成
	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		// 宽限期结束，强制取消剩余操作
		q.mu.Lock()
		for id, cancel := range q.cancels {
			cancel()
			q.status.MarkFinished(id, StatusCancelled, "force cancelled during shutdown")
		}
		q.mu.Unlock()
		logger.Warn("operations force cancelled during shutdown")
	}

	q.pool.Release()
}
