package chunks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/models"
	"github.com/aihub/ragcore/internal/vector"
)

// ReconcileStatus 对账结果状态
type ReconcileStatus string

const (
	ReconcileClean    ReconcileStatus = "clean"
	ReconcileRepaired ReconcileStatus = "repaired"
	ReconcileError    ReconcileStatus = "error"
)

// ReconcileResult 对账结果
type ReconcileResult struct {
	Status          ReconcileStatus `json:"status"`
	MetadataCount   int             `json:"metadata_count"`
	IndexCount      int             `json:"index_count"`
	OrphanMetadata  int             `json:"orphan_metadata"`  // 仅元数据侧持有的引用，已清除
	OrphanVectors   int             `json:"orphan_vectors"`   // 仅索引侧存在的点，已删除
	Elapsed         time.Duration   `json:"elapsed"`
}

// Reconcile 双存储对账
// 比较元数据侧的向量引用与索引侧实际存在的点，单侧存在的一律删除，
// 恢复1:1映射。无写入介入时重复执行是不动点。
func (c *Coordinator) Reconcile(ctx context.Context, kbID uint) (ReconcileResult, error) {
	start := time.Now()
	result := ReconcileResult{Status: ReconcileError}

	// 元数据侧：持有向量引用的chunk_id集合
	var chunkIDs []int64
	err := c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Where("knowledge_base_id = ? AND vector_id <> ''", kbID).
		Pluck("chunk_id", &chunkIDs).Error
	if err != nil {
		return result, fmt.Errorf("对账读取元数据失败: %w", err)
	}
	metaSet := make(map[int64]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		metaSet[id] = struct{}{}
	}

	// 索引侧：集合内全部点ID
	collection := vector.CollectionName(c.vectorCfg.CollectionPrefix, kbID)
	indexIDs, err := c.index.ListIDs(ctx, collection)
	if err != nil {
		return result, fmt.Errorf("对账读取索引失败: %w", err)
	}
	indexSet := make(map[int64]struct{}, len(indexIDs))
	for _, id := range indexIDs {
		indexSet[id] = struct{}{}
	}

	result.MetadataCount = len(metaSet)
	result.IndexCount = len(indexSet)

	// 仅元数据侧：清除悬空引用
	var danglingRefs []int64
	for id := range metaSet {
		if _, ok := indexSet[id]; !ok {
			danglingRefs = append(danglingRefs, id)
		}
	}
	if len(danglingRefs) > 0 {
		err = c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
			Where("chunk_id IN ?", danglingRefs).
			Update("vector_id", "").Error
		if err != nil {
			return result, fmt.Errorf("对账清除悬空引用失败: %w", err)
		}
		result.OrphanMetadata = len(danglingRefs)
	}

	// 仅索引侧：删除孤儿点
	var orphanPoints []int64
	for id := range indexSet {
		if _, ok := metaSet[id]; !ok {
			orphanPoints = append(orphanPoints, id)
		}
	}
	if len(orphanPoints) > 0 {
		err = c.runVectorOp(ctx, kbID, "reconcile_delete", func(opCtx context.Context) error {
			return c.index.DeleteByIDs(opCtx, collection, orphanPoints)
		})
		if err != nil {
			return result, fmt.Errorf("对账删除孤儿点失败: %w", err)
		}
		result.OrphanVectors = len(orphanPoints)
	}

	result.Elapsed = time.Since(start)
	if result.OrphanMetadata == 0 && result.OrphanVectors == 0 {
		result.Status = ReconcileClean
	} else {
		result.Status = ReconcileRepaired
		logger.Info("对账修复完成",
			zap.Uint("kb_id", kbID),
			zap.Int("orphan_metadata", result.OrphanMetadata),
			zap.Int("orphan_vectors", result.OrphanVectors))
		c.publishReconcileEvent(ctx, kbID, result)
	}
	return result, nil
}

// StartReconcileLoop 周期性对账
// interval即孤儿记录可接受的最大滞留窗口
func (c *Coordinator) StartReconcileLoop(ctx context.Context, listTenants func(ctx context.Context) ([]uint, error)) {
	interval := c.reconcileCfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tenants, err := listTenants(ctx)
				if err != nil {
					logger.Warn("对账获取租户列表失败", zap.Error(err))
					continue
				}
				for _, kbID := range tenants {
					if _, err := c.Reconcile(ctx, kbID); err != nil {
						logger.Warn("周期对账失败", zap.Uint("kb_id", kbID), zap.Error(err))
					}
				}
			}
		}
	}()
	logger.Info("周期对账已启动", zap.Duration("interval", interval))
}

// publishReconcileEvent 发布对账修复事件
func (c *Coordinator) publishReconcileEvent(ctx context.Context, kbID uint, result ReconcileResult) {
	if c.publisher == nil {
		return
	}
	err := c.publisher.Publish(ctx, "chunks.reconcile_repaired", map[string]interface{}{
		"kb_id":           kbID,
		"orphan_metadata": result.OrphanMetadata,
		"orphan_vectors":  result.OrphanVectors,
		"repaired_at":     time.Now().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn("对账事件发布失败", zap.Error(err))
	}
}
