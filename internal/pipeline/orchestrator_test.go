package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/aihub/ragcore/internal/chunks"
	"github.com/aihub/ragcore/internal/collection"
	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

// fakeEmbedder 测试用嵌入器，失败可注入
type fakeEmbedder struct {
	dim  int
	fail bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding service unavailable")
	}
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := f.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }
func (f *fakeEmbedder) Ready() bool     { return !f.fail }

// fakePublisher 捕获发布的事件
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	orchestrator *Orchestrator
	embedder     *fakeEmbedder
	publisher    *fakePublisher
	index        vector.Index
	mock         sqlmock.Sqlmock
}

func newTestEnv(t *testing.T) *testEnv {
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
	vectorCfg := config.VectorConfig{CollectionPrefix: "kb"}

	manager := collection.NewManager(vectorCfg,
		config.MaintenanceConfig{MaxAttempts: 2, RetryBaseDelay: time.Millisecond, OptimizeThreshold: 1000, DiagnosticsCap: 10},
		index, opQueue, engine, nil)

	coordinator := chunks.NewCoordinator(gormDB, nil, index, opQueue, engine, nil, nil, nil,
		vectorCfg, recoveryCfg, config.ReconcileConfig{BatchSize: 100})

	embedder := &fakeEmbedder{dim: 4}
	publisher := &fakePublisher{}
	orchestrator := NewOrchestrator(manager, coordinator, embedder, index, engine, publisher, vectorCfg)

	return &testEnv{
		orchestrator: orchestrator,
		embedder:     embedder,
		publisher:    publisher,
		index:        index,
		mock:         mock,
	}
}

func localEmbedding(dim int) config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: "local", Model: "mini", Dimension: dim}
}

func TestQueryHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.index.CreateCollection(ctx, "kb_1", 4))
	require.NoError(t, env.index.Upsert(ctx, "kb_1", []vector.Point{
		{ID: 1, DocumentID: 1, Content: "第一段", Vector: []float32{1, 0, 0, 0}},
		{ID: 2, DocumentID: 1, Content: "第二段", Vector: []float32{0, 1, 0, 0}},
	}))

	outcome := env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 1,
		Query:           "第一段讲了什么",
		TopK:            2,
		Threshold:       0.5,
		Embedding:       localEmbedding(4),
	})

	require.Equal(t, StatusOk, outcome.Status)
	require.NotEmpty(t, outcome.Matches)
	assert.Equal(t, int64(1), outcome.Matches[0].ID)
}

func TestQueryFailsValidationWithoutProvider(t *testing.T) {
	env := newTestEnv(t)

	outcome := env.orchestrator.Query(context.Background(), QueryRequest{
		KnowledgeBaseID: 1,
		Query:           "q",
		Embedding:       config.EmbeddingConfig{Dimension: 4},
	})

	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, string(recovery.CategoryConfigValidation), outcome.Provenance.Category)
}

func TestQueryRejectsKnownModelDimensionMismatch(t *testing.T) {
	env := newTestEnv(t)

	outcome := env.orchestrator.Query(context.Background(), QueryRequest{
		KnowledgeBaseID: 1,
		Query:           "q",
		Embedding: config.EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			Dimension: 768, // 注册表中该模型是1536维
		},
	})

	assert.Equal(t, StatusFailed, outcome.Status)
}

func TestQueryReportsMigrationRequired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.index.CreateCollection(ctx, "kb_2", 8))

	outcome := env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 2,
		Query:           "q",
		Embedding:       localEmbedding(4),
	})

	require.Equal(t, StatusFailed, outcome.Status)
	assert.ErrorIs(t, outcome.Err, apperrors.ErrMigrationRequired)
	assert.Contains(t, outcome.Provenance.Reason, "迁移")
}

func TestQueryDegradesWhenEmbeddingFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.index.CreateCollection(ctx, "kb_3", 4))

	env.embedder.fail = true
	outcome := env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 3,
		Query:           "q",
		Embedding:       localEmbedding(4),
	})

	require.Equal(t, StatusDegraded, outcome.Status)
	assert.Empty(t, outcome.Matches)
	assert.Equal(t, string(recovery.CategoryEmbeddingGeneration), outcome.Provenance.Category)
	assert.NotEmpty(t, outcome.Provenance.Reason)
}

func TestAdaptiveSearchRelaxesThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.index.CreateCollection(ctx, "kb_4", 2))
	// 与查询向量[1,0]的余弦相似度约0.707
	require.NoError(t, env.index.Upsert(ctx, "kb_4", []vector.Point{
		{ID: 1, Content: "部分相关", Vector: []float32{1, 1}},
	}))

	env.embedder.dim = 2
	outcome := env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 4,
		Query:           "q",
		TopK:            1,
		Threshold:       0.9, // 首轮无结果，降到0.45后命中
		Embedding:       localEmbedding(2),
	})

	require.Equal(t, StatusOk, outcome.Status)
	assert.Len(t, outcome.Matches, 1)
}

func TestProcessDocumentStoresChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.index.CreateCollection(ctx, "kb_5", 4))

	env.mock.ExpectBegin()
	env.mock.ExpectQuery(`INSERT INTO "knowledge_chunks"`).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow(1).AddRow(2))
	env.mock.ExpectCommit()

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`UPDATE "knowledge_chunks" SET`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	env.mock.ExpectCommit()

	env.mock.ExpectBegin()
	env.mock.ExpectExec(`UPDATE "knowledge_documents" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectCommit()

	outcome := env.orchestrator.ProcessDocument(ctx, DocumentRequest{
		KnowledgeBaseID: 5,
		DocumentID:      10,
		Chunks:          []string{"块一", "块二"},
		Embedding:       localEmbedding(4),
	})

	require.Equal(t, StatusOk, outcome.Status)
	require.NotNil(t, outcome.Store)
	assert.Equal(t, 2, outcome.Store.Stored)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestServiceRecoveryEventPublished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.index.CreateCollection(ctx, "kb_6", 4))

	// 先失败一次，嵌入服务进入失败状态
	env.embedder.fail = true
	env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 6, Query: "q", Embedding: localEmbedding(4),
	})

	// 恢复后首次成功应上报恢复事件
	env.embedder.fail = false
	outcome := env.orchestrator.Query(ctx, QueryRequest{
		KnowledgeBaseID: 6, Query: "q", Embedding: localEmbedding(4),
	})

	require.Equal(t, StatusOk, outcome.Status)
	assert.True(t, env.publisher.has("pipeline.service_recovered"))

	health := env.orchestrator.Health.Snapshot()
	assert.Zero(t, health[ServiceEmbedding].ConsecutiveFailures)
	assert.Equal(t, int64(1), health[ServiceEmbedding].TotalFailures)
}

func TestPerformanceMonitorRecords(t *testing.T) {
	pm := NewPerformanceMonitor()

	done := pm.TimeOperation("vector_search")
	time.Sleep(time.Millisecond)
	done(true)
	pm.Record("vector_search", 10*time.Millisecond, false)

	snap := pm.Snapshot()
	m := snap["vector_search"]
	assert.Equal(t, int64(2), m.TotalCalls)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Greater(t, pm.Average("vector_search"), time.Duration(0))
}

func TestHealthTable(t *testing.T) {
	h := NewHealthTable()

	recovered, _ := h.MarkSuccess(ServiceVectorSearch)
	assert.False(t, recovered)

	h.MarkFailure(ServiceVectorSearch)
	h.MarkFailure(ServiceVectorSearch)
	recovered, streak := h.MarkSuccess(ServiceVectorSearch)
	assert.True(t, recovered)
	assert.Equal(t, 2, streak)
}
