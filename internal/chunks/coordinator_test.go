package chunks

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

func newTestCoordinator(t *testing.T) (*Coordinator, sqlmock.Sqlmock, vector.Index) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

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
		MaxRetries:       2,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	}
	engine := recovery.NewEngine(recoveryCfg, nil, nil)
	index := vector.NewMemoryIndex()

	coordinator := NewCoordinator(
		gormDB, nil, index, opQueue, engine, nil, nil, nil,
		config.VectorConfig{CollectionPrefix: "kb"},
		recoveryCfg,
		config.ReconcileConfig{BatchSize: 100},
	)
	return coordinator, mock, index
}

func TestStoreRejectsLengthMismatch(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	_, err := c.Store(context.Background(), StoreRequest{
		KnowledgeBaseID: 1,
		DocumentID:      1,
		Chunks:          []string{"a", "b"},
		Embeddings:      [][]float32{{0.1}},
	})

	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
}

func TestStoreEmptyRequestIsNoop(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)

	result, err := c.Store(context.Background(), StoreRequest{KnowledgeBaseID: 1, DocumentID: 1})
	require.NoError(t, err)
	assert.Zero(t, result.Stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeduplicatesWithinBatch(t *testing.T) {
	c, mock, index := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, index.CreateCollection(ctx, "kb_1", 2))

	// 已存在哈希查询：无命中
	mock.ExpectQuery(`SELECT "content_hash" FROM "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"content_hash"}))

	// 幸存的两个块写入元数据，获得稳定ID
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(11).AddRow(12))
	mock.ExpectCommit()

	// 向量引用回填
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "knowledge_chunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	// 文档块计数更新
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "knowledge_documents" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.Store(ctx, StoreRequest{
		KnowledgeBaseID: 1,
		DocumentID:      1,
		Chunks:          []string{"第一块", "第二块", "第一块"},
		Embeddings:      [][]float32{{0.1, 0.2}, {0.3, 0.4}, {0.1, 0.2}},
		DedupEnabled:    true,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, result.Stored)
	assert.Equal(t, 1, result.Deduplicated)
	assert.Equal(t, []string{"milvus_11", "milvus_12"}, result.VectorIDs)

	// 索引恰好增加两个点
	ids, err := index.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{11, 12}, ids)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSkipsHashesAlreadyInMetadata(t *testing.T) {
	c, mock, index := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, index.CreateCollection(ctx, "kb_1", 2))

	// c1的哈希已存在
	mock.ExpectQuery(`SELECT "content_hash" FROM "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"content_hash"}).AddRow(ContentHash("c1")))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(21))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "knowledge_chunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "knowledge_documents" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.Store(ctx, StoreRequest{
		KnowledgeBaseID: 1,
		DocumentID:      1,
		Chunks:          []string{"c1", "c2"},
		Embeddings:      [][]float32{{0.1, 0.2}, {0.3, 0.4}},
		DedupEnabled:    true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Stored)
	assert.Equal(t, 1, result.Deduplicated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCleanWhenInSync(t *testing.T) {
	c, mock, index := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, index.CreateCollection(ctx, "kb_1", 2))
	require.NoError(t, index.Upsert(ctx, "kb_1", []vector.Point{
		{ID: 1, Vector: []float32{0.1, 0.2}},
		{ID: 2, Vector: []float32{0.3, 0.4}},
	}))

	mock.ExpectQuery(`SELECT "chunk_id" FROM "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(1).AddRow(2))

	result, err := c.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ReconcileClean, result.Status)
	assert.Zero(t, result.OrphanMetadata)
	assert.Zero(t, result.OrphanVectors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRepairsBothSidesThenFixedPoint(t *testing.T) {
	c, mock, index := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, index.CreateCollection(ctx, "kb_1", 2))
	// 索引侧孤儿点3；元数据侧悬空引用9
	require.NoError(t, index.Upsert(ctx, "kb_1", []vector.Point{
		{ID: 1, Vector: []float32{0.1, 0.2}},
		{ID: 3, Vector: []float32{0.5, 0.6}},
	}))

	mock.ExpectQuery(`SELECT "chunk_id" FROM "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(1).AddRow(9))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "knowledge_chunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := c.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ReconcileRepaired, result.Status)
	assert.Equal(t, 1, result.OrphanMetadata)
	assert.Equal(t, 1, result.OrphanVectors)

	// 第二轮是不动点：无新增修复
	mock.ExpectQuery(`SELECT "chunk_id" FROM "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(1))

	result, err = c.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, ReconcileClean, result.Status)

	ids, err := index.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsComputesEfficiency(t *testing.T) {
	c, mock, _ := newTestCoordinator(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS count`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "total_size"}).AddRow(10, 5000))
	mock.ExpectQuery(`(?i)SELECT count\(\*\) FROM`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`(?i)SELECT count\(DISTINCT`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))

	stats, err := c.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.ChunkCount)
	assert.Equal(t, int64(5000), stats.TotalSize)
	assert.InDelta(t, 500.0, stats.AverageSize, 0.01)
	assert.Equal(t, int64(2), stats.DuplicateGroups)
	assert.InDelta(t, 0.8, stats.EfficiencyScore, 0.01)
}

func TestContentHashIsStable(t *testing.T) {
	assert.Equal(t, ContentHash("abc"), ContentHash("abc"))
	assert.NotEqual(t, ContentHash("abc"), ContentHash("abd"))
	assert.Len(t, ContentHash("abc"), 64)
}

func TestVectorIDFormat(t *testing.T) {
	assert.Equal(t, "milvus_42", VectorIDFor(42))
}
