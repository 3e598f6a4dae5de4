package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/aihub/ragcore/internal/collection"
	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/kafka"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/models"
	"go.uber.org/zap"
)

const (
	queueShutdownGrace    = 30 * time.Second
	etcdDeregisterTimeout = 5 * time.Second
	reconcileTimeout      = 5 * time.Minute
)

// listKnowledgeBases 返回所有活跃租户ID，供对账循环遍历
func (a *App) listKnowledgeBases(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := a.DB.WithContext(ctx).
		Model(&models.KnowledgeBase{}).
		Where("status = ?", "active").
		Pluck("knowledge_base_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	return ids, nil
}

// onEmbeddingConfigChange 嵌入配置变更时检测全部已知集合的配置漂移
func (a *App) onEmbeddingConfigChange(newCfg config.EmbeddingConfig) {
	logger.Info("嵌入配置变更，检测集合配置漂移",
		zap.String("provider", newCfg.Provider),
		zap.String("model", newCfg.Model),
		zap.Int("dimension", newCfg.Dimension))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := a.listKnowledgeBases(ctx)
	if err != nil {
		logger.Error("配置漂移检测失败：无法列出知识库", zap.Error(err))
		return
	}

	for _, id := range ids {
		if change, drifted := a.Manager.DetectDrift(id, newCfg); drifted {
			logger.Warn("⚠️ 检测到集合配置漂移",
				zap.Uint("kb_id", id),
				zap.Int("old_dimension", change.OldDimension),
				zap.Int("new_dimension", change.NewDimension))
		}
	}
}

// handleMaintenanceMessage 处理Kafka下发的维护请求
func (a *App) handleMaintenanceMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	req, err := kafka.ParseMaintenanceRequest(message.Value)
	if err != nil {
		// 畸形消息只记录，不触发重试
		logger.Warn("忽略无效的维护请求", zap.Error(err))
		return nil
	}

	logger.Info("收到维护请求",
		zap.Uint("kb_id", req.KnowledgeBaseID),
		zap.String("action", req.Action),
		zap.String("requested_by", req.RequestedBy))

	switch req.Action {
	case "reconcile":
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			defer cancel()
			result, err := a.Coordinator.Reconcile(rctx, req.KnowledgeBaseID)
			if err != nil {
				logger.Error("按需对账失败", zap.Uint("kb_id", req.KnowledgeBaseID), zap.Error(err))
				return
			}
			logger.Info("✅ 按需对账完成",
				zap.Uint("kb_id", req.KnowledgeBaseID),
				zap.String("status", string(result.Status)))
		}()
	case "optimize":
		a.Manager.Maintenance.Enqueue(collection.MaintenanceTask{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Type:            collection.TaskOptimize,
			Priority:        5,
			ScheduledAt:     time.Now(),
		})
	case "repair":
		a.Manager.Maintenance.Enqueue(collection.MaintenanceTask{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Type:            collection.TaskRepair,
			Priority:        2,
			ScheduledAt:     time.Now(),
		})
	case "health_check":
		a.Manager.Maintenance.Enqueue(collection.MaintenanceTask{
			KnowledgeBaseID: req.KnowledgeBaseID,
			Type:            collection.TaskHealthCheck,
			Priority:        3,
			ScheduledAt:     time.Now(),
		})
	}

	return nil
}

func parsePort(s string) (int, error) {
	return strconv.Atoi(s)
}

func serviceHost() string {
	if host := os.Getenv("SERVICE_HOST"); host != "" {
		return host
	}
	return "localhost"
}
