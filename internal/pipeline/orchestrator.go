package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/chunks"
	"github.com/aihub/ragcore/internal/collection"
	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/aihub/ragcore/internal/knowledge"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

// QueryRequest 查询路径请求
type QueryRequest struct {
	KnowledgeBaseID uint
	Query           string
	TopK            int
	Threshold       float64
	Embedding       config.EmbeddingConfig
}

// DocumentRequest 文档路径请求
type DocumentRequest struct {
	KnowledgeBaseID uint
	DocumentID      uint
	Chunks          []string
	Embedding       config.EmbeddingConfig
	DedupEnabled    bool
	BatchSize       int
}

// Orchestrator 请求编排器
// 每个请求走同一状态机：校验配置→确保集合→嵌入→检索或入库，
// 任一阶段失败都经过恢复引擎，产出降级结果或终止错误，绝不静默丢弃
type Orchestrator struct {
	manager     *collection.Manager
	coordinator *chunks.Coordinator
	embedder    knowledge.Embedder
	index       vector.Index
	engine      *recovery.Engine
	publisher   interfaces.EventPublisher // 可为nil

	vectorCfg config.VectorConfig

	Monitor *PerformanceMonitor
	Health  *HealthTable
}

// NewOrchestrator 创建编排器
func NewOrchestrator(manager *collection.Manager, coordinator *chunks.Coordinator,
	embedder knowledge.Embedder, index vector.Index, engine *recovery.Engine,
	publisher interfaces.EventPublisher, vectorCfg config.VectorConfig) *Orchestrator {
	return &Orchestrator{
		manager:     manager,
		coordinator: coordinator,
		embedder:    embedder,
		index:       index,
		engine:      engine,
		publisher:   publisher,
		vectorCfg:   vectorCfg,
		Monitor:     NewPerformanceMonitor(),
		Health:      NewHealthTable(),
	}
}

// Query 查询路径：校验→确保集合→嵌入查询→相似度检索
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) QueryOutcome {
	// 阶段1：配置校验
	done := o.Monitor.TimeOperation("config_validation")
	err := o.validateEmbeddingConfig(&req.Embedding)
	done(err == nil)
	if err != nil {
		return QueryOutcome{
			Status:     StatusFailed,
			Provenance: Provenance{Category: string(recovery.CategoryConfigValidation), Reason: err.Error()},
			Err:        err,
		}
	}

	// 阶段2：确保集合存在且维度一致
	done = o.Monitor.TimeOperation("ensure_collection")
	ensure, err := o.manager.EnsureExists(ctx, req.KnowledgeBaseID, req.Embedding)
	done(err == nil)
	if err != nil {
		o.Health.MarkFailure(ServiceCollectionManagement)
		if errors.Is(err, apperrors.ErrMigrationRequired) {
			// 维度漂移必须先于任何检索暴露出来
			return QueryOutcome{
				Status: StatusFailed,
				Provenance: Provenance{
					Category: string(recovery.CategoryCollectionManagement),
					Reason: fmt.Sprintf("集合维度%d与模型维度%d不一致，需要迁移",
						ensure.StoredDimension, ensure.ExpectedDimension),
				},
				Err: err,
			}
		}
		return o.degradeQuery(ctx, err, req, "collection_ensure")
	}
	o.markSuccess(ctx, ServiceCollectionManagement)

	// 阶段3：嵌入查询文本
	done = o.Monitor.TimeOperation("query_embedding")
	queryVector, err := o.embedder.Embed(ctx, req.Query)
	done(err == nil)
	if err != nil {
		o.Health.MarkFailure(ServiceEmbedding)
		return o.degradeQuery(ctx, err, req, "query_embedding")
	}
	o.markSuccess(ctx, ServiceEmbedding)

	// 阶段4：自适应阈值检索
	done = o.Monitor.TimeOperation("vector_search")
	matches, err := o.adaptiveSearch(ctx, req, queryVector)
	done(err == nil)
	if err != nil {
		o.Health.MarkFailure(ServiceVectorSearch)
		return o.degradeQuery(ctx, err, req, "vector_search")
	}
	o.markSuccess(ctx, ServiceVectorSearch)

	return QueryOutcome{Status: StatusOk, Matches: matches}
}

// ProcessDocument 文档路径：校验→确保集合→嵌入块→去重入库
func (o *Orchestrator) ProcessDocument(ctx context.Context, req DocumentRequest) DocumentOutcome {
	done := o.Monitor.TimeOperation("config_validation")
	err := o.validateEmbeddingConfig(&req.Embedding)
	done(err == nil)
	if err != nil {
		return DocumentOutcome{
			Status:     StatusFailed,
			Provenance: Provenance{Category: string(recovery.CategoryConfigValidation), Reason: err.Error()},
			Err:        err,
		}
	}

	done = o.Monitor.TimeOperation("ensure_collection")
	ensure, err := o.manager.EnsureExists(ctx, req.KnowledgeBaseID, req.Embedding)
	done(err == nil)
	if err != nil {
		o.Health.MarkFailure(ServiceCollectionManagement)
		reason := "集合不可用"
		if errors.Is(err, apperrors.ErrMigrationRequired) {
			reason = fmt.Sprintf("集合维度%d与模型维度%d不一致，需要迁移",
				ensure.StoredDimension, ensure.ExpectedDimension)
		}
		return DocumentOutcome{
			Status: StatusFailed,
			Provenance: Provenance{
				Category: string(recovery.CategoryCollectionManagement),
				Reason:   reason,
			},
			Err: err,
		}
	}
	o.markSuccess(ctx, ServiceCollectionManagement)

	done = o.Monitor.TimeOperation("chunk_embedding")
	embeddings, err := o.embedder.EmbedBatch(ctx, req.Chunks)
	done(err == nil)
	if err != nil {
		o.Health.MarkFailure(ServiceEmbedding)
		result := o.engine.Handle(ctx, err, recovery.ErrorContext{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Operation:       "embedding",
		})
		return DocumentOutcome{
			Status:     StatusFailed,
			Provenance: provenanceFrom(result, "块嵌入生成失败"),
			Err:        err,
		}
	}
	o.markSuccess(ctx, ServiceEmbedding)

	done = o.Monitor.TimeOperation("chunk_store")
	storeResult, err := o.coordinator.Store(ctx, chunks.StoreRequest{
		KnowledgeBaseID: req.KnowledgeBaseID,
		DocumentID:      req.DocumentID,
		Chunks:          req.Chunks,
		Embeddings:      embeddings,
		DedupEnabled:    req.DedupEnabled,
		BatchSize:       req.BatchSize,
	})
	done(err == nil)
	if err != nil {
		result := o.engine.Handle(ctx, err, recovery.ErrorContext{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Operation:       "store",
		})
		// 部分写入也要如实上报，等待对账修复
		return DocumentOutcome{
			Status:     StatusFailed,
			Store:      &storeResult,
			Provenance: provenanceFrom(result, "块入库失败，已写入部分由对账修复"),
			Err:        err,
		}
	}

	return DocumentOutcome{Status: StatusOk, Store: &storeResult}
}

// validateEmbeddingConfig 嵌入配置校验
// 已知模型的声明维度与注册表不一致视为配置错误
func (o *Orchestrator) validateEmbeddingConfig(cfg *config.EmbeddingConfig) error {
	if cfg.Provider == "" || cfg.Model == "" {
		return apperrors.NewValidationError("embedding provider和model不能为空")
	}
	known, ok := knowledge.ModelDimension(cfg.Provider, cfg.Model)
	if ok {
		if cfg.Dimension == 0 {
			cfg.Dimension = known
		} else if cfg.Dimension != known {
			return apperrors.NewValidationError(
				fmt.Sprintf("模型%s的维度应为%d，配置声明了%d", cfg.Model, known, cfg.Dimension))
		}
	}
	if cfg.Dimension <= 0 {
		return apperrors.NewValidationError("embedding dimension必须大于0")
	}
	return nil
}

// adaptiveSearch 自适应阈值检索
// 阈值下无结果时降低阈值再试一次，避免高阈值误伤召回
func (o *Orchestrator) adaptiveSearch(ctx context.Context, req QueryRequest, queryVector []float32) ([]vector.Match, error) {
	collectionName := vector.CollectionName(o.vectorCfg.CollectionPrefix, req.KnowledgeBaseID)
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	matches, err := o.index.Search(ctx, vector.SearchRequest{
		Collection: collectionName,
		Vector:     queryVector,
		TopK:       topK,
		Threshold:  req.Threshold,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 || req.Threshold <= 0 {
		return matches, nil
	}

	relaxed := req.Threshold / 2
	logger.Debug("检索无结果，降低阈值重试",
		zap.Uint("kb_id", req.KnowledgeBaseID),
		zap.Float64("threshold", req.Threshold),
		zap.Float64("relaxed", relaxed))
	return o.index.Search(ctx, vector.SearchRequest{
		Collection: collectionName,
		Vector:     queryVector,
		TopK:       topK,
		Threshold:  relaxed,
	})
}

// degradeQuery 查询失败时经恢复引擎产出降级或终止结果
// 聊天场景宁可"不带文档上下文回答"也不硬失败
func (o *Orchestrator) degradeQuery(ctx context.Context, err error, req QueryRequest, operation string) QueryOutcome {
	result := o.engine.Handle(ctx, err, recovery.ErrorContext{
		KnowledgeBaseID: req.KnowledgeBaseID,
		Operation:       operation,
	})

	if result.Terminal {
		return QueryOutcome{
			Status:     StatusFailed,
			Provenance: provenanceFrom(result, "不可自动恢复，需要人工介入"),
			Err:        err,
		}
	}

	// 非终止失败降级为空上下文，附带人类可读的原因
	reason := fmt.Sprintf("知识库检索暂不可用（%s），已降级为无文档上下文回答", result.Category)
	return QueryOutcome{
		Status:     StatusDegraded,
		Matches:    []vector.Match{},
		Provenance: provenanceFrom(result, reason),
		Err:        err,
	}
}

// markSuccess 健康表记账，连续失败后的首次成功上报恢复事件
func (o *Orchestrator) markSuccess(ctx context.Context, service string) {
	recovered, streak := o.Health.MarkSuccess(service)
	if !recovered {
		return
	}

	logger.Info("✅ 逻辑服务恢复",
		zap.String("service", service),
		zap.Int("failure_streak", streak))
	if o.publisher != nil {
		err := o.publisher.Publish(ctx, "pipeline.service_recovered", map[string]interface{}{
			"service":        service,
			"failure_streak": streak,
			"recovered_at":   time.Now().Format(time.RFC3339),
		})
		if err != nil {
			logger.Warn("恢复事件发布失败", zap.String("service", service), zap.Error(err))
		}
	}
}

// Snapshot 编排器运行状态
func (o *Orchestrator) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"latency": o.Monitor.Snapshot(),
		"health":  o.Health.Snapshot(),
	}
}
