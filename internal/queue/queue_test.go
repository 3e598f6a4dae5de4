package queue

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, capacity, concurrency int) *OperationQueue {
	t.Helper()
	q, err := New(Options{
		Capacity:       capacity,
		MaxConcurrency: concurrency,
		Retention:      time.Minute,
		SweepInterval:  time.Minute,
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { q.Shutdown(time.Second) })
	return q
}

// waitStatus 轮询等待操作进入指定状态
func waitStatus(t *testing.T, q *OperationQueue, id string, want Status) OperationState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := q.Status(id)
		require.NoError(t, err)
		if state.Status == want {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	state, _ := q.Status(id)
	t.Fatalf("operation %s did not reach %s, last status %s", id, want, state.Status)
	return OperationState{}
}

func TestEnqueueAndComplete(t *testing.T) {
	q := newTestQueue(t, 8, 2)

	done := make(chan struct{})
	id, err := q.Enqueue(&Operation{
		Kind:            "upsert",
		KnowledgeBaseID: 1,
		Execute: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never executed")
	}

	state := waitStatus(t, q, id, StatusCompleted)
	assert.Equal(t, uint(1), state.KnowledgeBaseID)
	assert.Equal(t, float64(1), state.Progress)
	assert.False(t, state.FinishedAt.IsZero())
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := newTestQueue(t, 1, 1)

	release := make(chan struct{})
	blocker := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(release)

	// 第一个操作占满唯一工作槽
	runningID, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)
	waitStatus(t, q, runningID, StatusRunning)

	// 第二个操作被派发循环取出后阻塞在池上，第三个占满channel
	pending, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)
	waitStatus(t, q, pending, StatusRunning)
	_, err = q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)

	// 队列已满：立即拒绝而不是阻塞
	start := time.Now()
	_, err = q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	assert.ErrorIs(t, err, apperrors.ErrQueueFull)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Rejected)
}

func TestOperationTimeout(t *testing.T) {
	q := newTestQueue(t, 4, 2)

	id, err := q.Enqueue(&Operation{
		Kind:    "slow",
		Timeout: 30 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	state := waitStatus(t, q, id, StatusFailed)
	assert.Contains(t, state.Error, "deadline")
}

func TestCancelQueuedOperation(t *testing.T) {
	q := newTestQueue(t, 4, 1)

	release := make(chan struct{})
	defer close(release)
	blocker := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// 占满工作槽与派发线程，第三个操作保持排队
	first, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)
	waitStatus(t, q, first, StatusRunning)
	_, err = q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)

	executed := false
	queued, err := q.Enqueue(&Operation{Kind: "noop", Execute: func(ctx context.Context) error {
		executed = true
		return nil
	}})
	require.NoError(t, err)

	require.NoError(t, q.Cancel(queued))
	state := waitStatus(t, q, queued, StatusCancelled)
	assert.Equal(t, StatusCancelled, state.Status)
	assert.False(t, executed)
}

func TestCancelRunningOperation(t *testing.T) {
	q := newTestQueue(t, 4, 2)

	id, err := q.Enqueue(&Operation{
		Kind: "block",
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	waitStatus(t, q, id, StatusRunning)

	require.NoError(t, q.Cancel(id))
	waitStatus(t, q, id, StatusCancelled)
}

func TestCancelUnknownOperation(t *testing.T) {
	q := newTestQueue(t, 4, 2)
	err := q.Cancel("no-such-op")
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)
}

func TestShutdownRejectsNewOperations(t *testing.T) {
	q, err := New(Options{Capacity: 4, MaxConcurrency: 2})
	require.NoError(t, err)

	q.Shutdown(time.Second)

	_, err = q.Enqueue(&Operation{Kind: "noop", Execute: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, apperrors.ErrShuttingDown)
}

func TestShutdownCancelsQueuedOperations(t *testing.T) {
	q, err := New(Options{Capacity: 8, MaxConcurrency: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	blocker := func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	first, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)
	waitStatus(t, q, first, StatusRunning)
	second, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)
	waitStatus(t, q, second, StatusRunning)
	queued, err := q.Enqueue(&Operation{Kind: "block", Execute: blocker})
	require.NoError(t, err)

	// 宽限期内运行中的操作不会让位，排队中的应当被立即取消
	q.Shutdown(100 * time.Millisecond)

	state, err := q.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, state.Status)
}

func TestStatsSnapshot(t *testing.T) {
	q := newTestQueue(t, 8, 2)

	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(&Operation{Kind: "noop", Execute: func(ctx context.Context) error { return nil }})
		require.NoError(t, err)
		waitStatus(t, q, id, StatusCompleted)
	}

	stats := q.Stats()
	assert.Equal(t, 8, stats.Capacity)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, int64(3), stats.Enqueued)
	assert.Equal(t, 3, stats.ByStatus[StatusCompleted])
}

func TestStatusManagerSweep(t *testing.T) {
	m := NewStatusManager()
	m.Add("old", "noop", 1)
	m.MarkRunning("old")
	m.MarkFinished("old", StatusCompleted, "")
	m.Add("fresh", "noop", 1)

	// 人为前移终态时间，使其落在保留窗口之外
	m.mu.Lock()
	m.states["old"].FinishedAt = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	purged := m.Sweep(10 * time.Minute)
	assert.Equal(t, 1, purged)

	_, err := m.Snapshot("old")
	assert.ErrorIs(t, err, apperrors.ErrOperationNotFound)
	_, err = m.Snapshot("fresh")
	assert.NoError(t, err)
}
