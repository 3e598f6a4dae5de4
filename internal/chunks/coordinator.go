package chunks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/aihub/ragcore/internal/knowledge"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/models"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

// StoreRequest 块批量入库请求
type StoreRequest struct {
	KnowledgeBaseID uint
	DocumentID      uint
	Chunks          []string
	Embeddings      [][]float32
	DedupEnabled    bool
	BatchSize       int
}

// StoreResult 入库结果
type StoreResult struct {
	Stored       int      `json:"stored"`
	Deduplicated int      `json:"deduplicated"`
	VectorIDs    []string `json:"vector_ids"`
}

// Coordinator 块存储协调器
// 负责元数据库与向量索引的双写、去重与对账
type Coordinator struct {
	db        *gorm.DB
	redis     *redis.Client // 可为nil，去重降级为纯DB查询
	index     vector.Index
	queue     *queue.OperationQueue
	engine    *recovery.Engine
	indexer   knowledge.FulltextIndexer // 可为nil
	archiver  Archiver                  // 可为nil
	publisher interfaces.EventPublisher // 可为nil

	vectorCfg    config.VectorConfig
	recoveryCfg  config.RecoveryConfig
	reconcileCfg config.ReconcileConfig
}

// Archiver 文档批次归档接口，由对象存储实现
type Archiver interface {
	ArchiveBatch(ctx context.Context, kbID, documentID uint, chunks []models.KnowledgeChunk) error
}

// NewCoordinator 创建块存储协调器
func NewCoordinator(db *gorm.DB, redisClient *redis.Client, index vector.Index,
	opQueue *queue.OperationQueue, engine *recovery.Engine,
	indexer knowledge.FulltextIndexer, archiver Archiver, publisher interfaces.EventPublisher,
	vectorCfg config.VectorConfig, recoveryCfg config.RecoveryConfig, reconcileCfg config.ReconcileConfig) *Coordinator {
	return &Coordinator{
		db:           db,
		redis:        redisClient,
		index:        index,
		queue:        opQueue,
		engine:       engine,
		indexer:      indexer,
		archiver:     archiver,
		publisher:    publisher,
		vectorCfg:    vectorCfg,
		recoveryCfg:  recoveryCfg,
		reconcileCfg: reconcileCfg,
	}
}

// ContentHash 块内容哈希
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VectorIDFor 块对应的向量引用标识
func VectorIDFor(chunkID uint) string {
	return fmt.Sprintf("milvus_%d", chunkID)
}

// hashSetKey 租户已存在哈希的Redis集合键
func hashSetKey(kbID uint) string {
	return fmt.Sprintf("ragcore:chunk_hashes:%d", kbID)
}

// Store 批量写入块
// 元数据先行获得稳定ID，随后向量批量写入；两阶段之间无分布式事务，
// 不一致由对账修复
func (c *Coordinator) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	result := StoreResult{VectorIDs: []string{}}

	if len(req.Chunks) != len(req.Embeddings) {
		return result, apperrors.NewValidationError(
			fmt.Sprintf("chunks与embeddings数量不一致: %d != %d", len(req.Chunks), len(req.Embeddings)))
	}
	if len(req.Chunks) == 0 {
		return result, nil
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = c.reconcileCfg.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	// 请求内去重也要生效，跨批次携带已见哈希
	seen := make(map[string]struct{})
	chunkIndex := 0

	for start := 0; start < len(req.Chunks); start += batchSize {
		end := start + batchSize
		if end > len(req.Chunks) {
			end = len(req.Chunks)
		}

		stored, deduplicated, vectorIDs, err := c.storeBatch(ctx, req, start, end, seen, &chunkIndex)
		result.Stored += stored
		result.Deduplicated += deduplicated
		result.VectorIDs = append(result.VectorIDs, vectorIDs...)
		if err != nil {
			return result, err
		}
	}

	// 更新文档块计数
	if result.Stored > 0 {
		if err := c.db.WithContext(ctx).Model(&models.KnowledgeDocument{}).
			Where("document_id = ?", req.DocumentID).
			Update("chunk_count", gorm.Expr("chunk_count + ?", result.Stored)).Error; err != nil {
			logger.Warn("文档块计数更新失败",
				zap.Uint("document_id", req.DocumentID),
				zap.Error(err))
		}
	}

	logger.Info("块批量入库完成",
		zap.Uint("kb_id", req.KnowledgeBaseID),
		zap.Uint("document_id", req.DocumentID),
		zap.Int("stored", result.Stored),
		zap.Int("deduplicated", result.Deduplicated))
	return result, nil
}

// storeBatch 写入单个批次
func (c *Coordinator) storeBatch(ctx context.Context, req StoreRequest, start, end int,
	seen map[string]struct{}, chunkIndex *int) (int, int, []string, error) {

	contents := req.Chunks[start:end]
	embeddings := req.Embeddings[start:end]

	hashes := make([]string, len(contents))
	for i, content := range contents {
		hashes[i] = ContentHash(content)
	}

	var existing map[string]struct{}
	var err error
	if req.DedupEnabled {
		existing, err = c.lookupExistingHashes(ctx, req.KnowledgeBaseID, hashes)
		if err != nil {
			return 0, 0, nil, err
		}
	}

	// 筛选幸存块
	rows := make([]models.KnowledgeChunk, 0, len(contents))
	rowEmbeddings := make([][]float32, 0, len(contents))
	deduplicated := 0
	for i, content := range contents {
		hash := hashes[i]
		if req.DedupEnabled {
			if _, dup := existing[hash]; dup {
				deduplicated++
				continue
			}
			if _, dup := seen[hash]; dup {
				deduplicated++
				continue
			}
			seen[hash] = struct{}{}
		}
		rows = append(rows, models.KnowledgeChunk{
			DocumentID:      req.DocumentID,
			KnowledgeBaseID: req.KnowledgeBaseID,
			Content:         content,
			ContentHash:     hash,
			ChunkIndex:      *chunkIndex,
		})
		rowEmbeddings = append(rowEmbeddings, embeddings[i])
		*chunkIndex++
	}

	if len(rows) == 0 {
		return 0, deduplicated, nil, nil
	}

	// 元数据先行，获得稳定chunk_id
	if err := c.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, deduplicated, nil, fmt.Errorf("块元数据写入失败: %w", err)
	}

	// 向量作为一个逻辑批次写入
	collection := vector.CollectionName(c.vectorCfg.CollectionPrefix, req.KnowledgeBaseID)
	points := make([]vector.Point, len(rows))
	for i, row := range rows {
		points[i] = vector.Point{
			ID:              int64(row.ChunkID),
			DocumentID:      int64(row.DocumentID),
			KnowledgeBaseID: int64(row.KnowledgeBaseID),
			Content:         row.Content,
			Vector:          rowEmbeddings[i],
		}
	}

	err = c.runVectorOp(ctx, req.KnowledgeBaseID, "upsert_vectors", func(opCtx context.Context) error {
		return c.index.Upsert(opCtx, collection, points)
	})
	if err != nil {
		// 元数据已写入而向量失败：留下孤儿，交给对账
		logger.Error("向量写入失败，等待对账修复",
			zap.Uint("kb_id", req.KnowledgeBaseID),
			zap.Int("batch_size", len(points)),
			zap.Error(err))
		return 0, deduplicated, nil, err
	}

	// 回填向量引用
	vectorIDs := make([]string, len(rows))
	chunkIDs := make([]uint, len(rows))
	for i, row := range rows {
		vectorIDs[i] = VectorIDFor(row.ChunkID)
		chunkIDs[i] = row.ChunkID
	}
	if err := c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Where("chunk_id IN ?", chunkIDs).
		Update("vector_id", gorm.Expr("'milvus_' || chunk_id")).Error; err != nil {
		logger.Warn("向量引用回填失败，等待对账修复", zap.Error(err))
	}

	c.cacheHashes(ctx, req.KnowledgeBaseID, rows)
	c.indexFulltext(ctx, rows)
	c.archive(ctx, req, rows)

	return len(rows), deduplicated, vectorIDs, nil
}

// lookupExistingHashes 查询租户已存在的内容哈希
// Redis集合作为快路径，未命中或不可用时回落到DB
func (c *Coordinator) lookupExistingHashes(ctx context.Context, kbID uint, hashes []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})

	if c.redis != nil {
		members := make([]interface{}, len(hashes))
		for i, h := range hashes {
			members[i] = h
		}
		found, err := c.redis.SMIsMember(ctx, hashSetKey(kbID), members...).Result()
		if err == nil {
			allHit := true
			for i, hit := range found {
				if hit {
					existing[hashes[i]] = struct{}{}
				} else {
					allHit = false
				}
			}
			// 缓存判定存在的可以信任；判定不存在的仍需DB确认，
			// 避免缓存冷启动导致重复入库
			if allHit {
				return existing, nil
			}
		} else {
			logger.Warn("Redis哈希查询失败，回落到DB", zap.Error(err))
		}
	}

	var dbHashes []string
	err := c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Where("knowledge_base_id = ? AND content_hash IN ?", kbID, hashes).
		Pluck("content_hash", &dbHashes).Error
	if err != nil {
		return nil, fmt.Errorf("哈希查询失败: %w", err)
	}
	for _, h := range dbHashes {
		existing[h] = struct{}{}
	}
	return existing, nil
}

// cacheHashes 将新写入的哈希加入Redis集合
func (c *Coordinator) cacheHashes(ctx context.Context, kbID uint, rows []models.KnowledgeChunk) {
	if c.redis == nil || len(rows) == 0 {
		return
	}
	members := make([]interface{}, len(rows))
	for i, row := range rows {
		members[i] = row.ContentHash
	}
	if err := c.redis.SAdd(ctx, hashSetKey(kbID), members...).Err(); err != nil {
		logger.Warn("Redis哈希缓存更新失败", zap.Error(err))
	}
}

// indexFulltext 可选的全文索引写入，失败不影响主流程
func (c *Coordinator) indexFulltext(ctx context.Context, rows []models.KnowledgeChunk) {
	if c.indexer == nil || !c.indexer.Ready() {
		return
	}
	fulltextChunks := make([]knowledge.FulltextChunk, len(rows))
	for i, row := range rows {
		fulltextChunks[i] = knowledge.FulltextChunk{
			ChunkID:         row.ChunkID,
			DocumentID:      row.DocumentID,
			KnowledgeBaseID: row.KnowledgeBaseID,
			Content:         row.Content,
			ChunkIndex:      row.ChunkIndex,
			CreatedAt:       time.Now(),
		}
	}
	if err := c.indexer.IndexChunks(ctx, fulltextChunks); err != nil {
		logger.Warn("全文索引写入失败", zap.Error(err))
	}
}

// archive 可选的对象存储归档，失败不影响主流程
func (c *Coordinator) archive(ctx context.Context, req StoreRequest, rows []models.KnowledgeChunk) {
	if c.archiver == nil {
		return
	}
	if err := c.archiver.ArchiveBatch(ctx, req.KnowledgeBaseID, req.DocumentID, rows); err != nil {
		logger.Warn("块批次归档失败", zap.Error(err))
	}
}

// runVectorOp 向量索引调用统一经过操作队列与恢复引擎
func (c *Coordinator) runVectorOp(ctx context.Context, kbID uint, kind string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)

	_, err := c.queue.Enqueue(&queue.Operation{
		Kind:            kind,
		KnowledgeBaseID: kbID,
		Execute: func(opCtx context.Context) error {
			opErr := c.withRecovery(opCtx, kbID, kind, fn)
			done <- opErr
			return opErr
		},
	})
	if err != nil {
		return err
	}

	select {
	case opErr := <-done:
		return opErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withRecovery 恢复引擎指导下的有限重试
func (c *Coordinator) withRecovery(ctx context.Context, kbID uint, kind string, fn func(ctx context.Context) error) error {
	maxAttempts := c.recoveryCfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			c.engine.RecordSuccess(ctx, kbID, kind)
			return nil
		}

		result := c.engine.Handle(ctx, lastErr, recovery.ErrorContext{
			KnowledgeBaseID: kbID,
			Operation:       kind,
			Attempt:         attempt,
		})
		if result.ShortCircuited {
			return fmt.Errorf("%s短路: %w", kind, apperrors.ErrCircuitOpen)
		}
		if result.Terminal || !result.Retryable {
			break
		}
		select {
		case <-time.After(result.RetryAfter):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
