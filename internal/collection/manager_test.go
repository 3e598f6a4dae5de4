package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

func testManager(t *testing.T) *Manager {
	t.Helper()

	opQueue, err := queue.New(queue.Options{
		Capacity:       32,
		MaxConcurrency: 4,
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { opQueue.Shutdown(time.Second) })

	recoveryCfg := config.RecoveryConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		CooldownPeriod:   time.Minute,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
	}
	engine := recovery.NewEngine(recoveryCfg, nil, nil)

	return NewManager(
		config.VectorConfig{CollectionPrefix: "kb"},
		config.MaintenanceConfig{
			MaxAttempts:       3,
			RetryBaseDelay:    time.Millisecond,
			OptimizeThreshold: 100,
			DiagnosticsCap:    10,
		},
		vector.NewMemoryIndex(),
		opQueue,
		engine,
		nil,
	)
}

func embeddingCfg(dim int) config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimension: dim}
}

func TestEnsureExistsCreatesAndIsIdempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	result, err := m.EnsureExists(ctx, 1, embeddingCfg(768))
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, StateHealthy, result.State)

	// 第二次调用不再创建，仍然healthy
	result, err = m.EnsureExists(ctx, 1, embeddingCfg(768))
	require.NoError(t, err)
	assert.False(t, result.Created)
	assert.Equal(t, StateHealthy, result.State)
	assert.Equal(t, 768, result.StoredDimension)
}

func TestEnsureExistsDimensionMismatch(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	// 租户B：先建1536维集合，嵌入模型换成768维
	_, err := m.EnsureExists(ctx, 2, embeddingCfg(1536))
	require.NoError(t, err)

	result, err := m.EnsureExists(ctx, 2, embeddingCfg(768))
	require.ErrorIs(t, err, apperrors.ErrMigrationRequired)
	assert.True(t, result.MigrationRequired)
	assert.Equal(t, 1536, result.StoredDimension)
	assert.Equal(t, 768, result.ExpectedDimension)

	// 迁移并切换后恢复healthy
	require.NoError(t, m.Migrate(ctx, 2, embeddingCfg(1536), embeddingCfg(768)))
	st, ok := m.Status(2)
	require.True(t, ok)
	assert.Equal(t, StateMigrating, st.State)

	require.NoError(t, m.CompleteMigration(ctx, 2, embeddingCfg(768), true))

	result, err = m.EnsureExists(ctx, 2, embeddingCfg(768))
	require.NoError(t, err)
	assert.False(t, result.MigrationRequired)
	assert.Equal(t, StateHealthy, result.State)
	assert.Equal(t, 768, result.StoredDimension)
}

func TestMigrateMetadataOnly(t *testing.T) {
	m := testManager(t)

	old := embeddingCfg(768)
	updated := old
	updated.Model = "text-embedding-3-large-truncated"

	require.NoError(t, m.Migrate(context.Background(), 3, old, updated))

	cached, ok := m.cachedConfig(3)
	require.True(t, ok)
	assert.Equal(t, updated.Model, cached.Model)
}

func TestRepairRecreatesMissingCollection(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	require.NoError(t, m.Repair(ctx, 4, embeddingCfg(768)))

	stats, err := m.index.DescribeCollection(ctx, m.collectionName(4))
	require.NoError(t, err)
	assert.True(t, stats.Exists)
	assert.Equal(t, 768, stats.Dimension)

	st, ok := m.Status(4)
	require.True(t, ok)
	assert.Equal(t, StateHealthy, st.State)
}

func TestRepairForceRecreatesOnMismatch(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, 5, embeddingCfg(1536))
	require.NoError(t, err)

	require.NoError(t, m.Repair(ctx, 5, embeddingCfg(768)))

	stats, err := m.index.DescribeCollection(ctx, m.collectionName(5))
	require.NoError(t, err)
	assert.Equal(t, 768, stats.Dimension)
}

func TestOptimizeSkipsBelowThreshold(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	_, err := m.EnsureExists(ctx, 6, embeddingCfg(4))
	require.NoError(t, err)

	result, err := m.Optimize(ctx, 6)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestDetectDriftEnqueuesMigrationTask(t *testing.T) {
	m := testManager(t)

	// 第一次观察只缓存，不算漂移
	change, drifted := m.DetectDrift(7, embeddingCfg(1536))
	assert.False(t, drifted)
	assert.Nil(t, change)

	change, drifted = m.DetectDrift(7, embeddingCfg(768))
	require.True(t, drifted)
	assert.True(t, change.MigrationRequired)
	assert.Equal(t, 1536, change.OldDimension)
	assert.Equal(t, 768, change.NewDimension)
	assert.Equal(t, 1, m.Maintenance.Len())

	task, ok := m.Maintenance.PopDue(time.Now())
	require.True(t, ok)
	assert.Equal(t, TaskMigrate, task.Type)
	assert.Equal(t, uint(7), task.KnowledgeBaseID)
}

func TestDetectDriftModelOnlyChange(t *testing.T) {
	m := testManager(t)

	m.DetectDrift(8, embeddingCfg(768))
	updated := embeddingCfg(768)
	updated.Model = "bge-base-zh"

	change, drifted := m.DetectDrift(8, updated)
	require.True(t, drifted)
	assert.False(t, change.MigrationRequired)
	assert.Zero(t, m.Maintenance.Len())
}

func TestMaintenanceQueueOrdering(t *testing.T) {
	q := NewMaintenanceQueue()
	now := time.Now()

	q.Enqueue(MaintenanceTask{Type: TaskOptimize, Priority: 5, ScheduledAt: now})
	q.Enqueue(MaintenanceTask{Type: TaskMigrate, Priority: 1, ScheduledAt: now})
	q.Enqueue(MaintenanceTask{Type: TaskRepair, Priority: 3, ScheduledAt: now.Add(time.Hour)})

	// 高优先级但未到期的任务不会被弹出
	task, ok := q.PopDue(now)
	require.True(t, ok)
	assert.Equal(t, TaskMigrate, task.Type)

	task, ok = q.PopDue(now)
	require.True(t, ok)
	assert.Equal(t, TaskOptimize, task.Type)

	_, ok = q.PopDue(now)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())
}

func TestRunTaskRequeuesWithBackoffThenAbandons(t *testing.T) {
	m := testManager(t)

	// cleanup任务缺少参数必定失败
	task := MaintenanceTask{
		ID:              "t1",
		KnowledgeBaseID: 9,
		Type:            TaskCleanup,
		MaxAttempts:     2,
	}

	m.runTask(task)
	require.Equal(t, 1, m.Maintenance.Len())

	requeued, ok := m.Maintenance.PopDue(time.Now().Add(time.Minute))
	require.True(t, ok)
	assert.Equal(t, 1, requeued.Attempts)
	assert.True(t, requeued.ScheduledAt.After(time.Now().Add(-time.Second)))

	// 再次失败后达到上限，放弃并记录诊断
	m.runTask(requeued)
	assert.Zero(t, m.Maintenance.Len())
	assert.NotEmpty(t, m.Diagnostics.Query(9, time.Minute))
}

func TestDiagnosticsRingEvictsOldest(t *testing.T) {
	ring := NewDiagnosticsRing(3)
	for i := 0; i < 5; i++ {
		ring.Append(DiagnosticInfo{KnowledgeBaseID: uint(i + 1), Message: "boom"})
	}

	assert.Equal(t, 3, ring.Len())
	entries := ring.Query(0, time.Minute)
	require.Len(t, entries, 3)
	// 最旧的两条已被淘汰
	assert.Equal(t, uint(3), entries[0].KnowledgeBaseID)
	assert.Equal(t, uint(5), entries[2].KnowledgeBaseID)
}

func TestDiagnosticsQueryByTenant(t *testing.T) {
	ring := NewDiagnosticsRing(10)
	ring.Append(DiagnosticInfo{KnowledgeBaseID: 1, Message: "a"})
	ring.Append(DiagnosticInfo{KnowledgeBaseID: 2, Message: "b"})
	ring.Append(DiagnosticInfo{KnowledgeBaseID: 1, Message: "c"})

	assert.Len(t, ring.Query(1, time.Minute), 2)
	assert.Len(t, ring.Query(2, time.Minute), 1)
	assert.Len(t, ring.Query(0, time.Minute), 3)
}

func TestWithRecoveryExhaustsAndLogsDiagnostic(t *testing.T) {
	m := testManager(t)
	boom := errors.New("dial tcp: connection refused")

	calls := 0
	err := m.withRecovery(context.Background(), 10, "create_collection", func(ctx context.Context) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.NotEmpty(t, m.Diagnostics.Query(10, time.Minute))
}
