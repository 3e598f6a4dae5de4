package collection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/logger"
)

// StartMaintenance 启动维护任务驱动循环
// 单一循环消费队列，失败任务按指数退避重新入队
func (m *Manager) StartMaintenance() {
	interval := m.maintCfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.drainDue()
			}
		}
	}()
	logger.Info("维护任务驱动已启动", zap.Duration("interval", interval))
}

// StopMaintenance 停止驱动循环
func (m *Manager) StopMaintenance() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}

// drainDue 执行当前所有到期任务
func (m *Manager) drainDue() {
	now := time.Now()
	for {
		task, ok := m.Maintenance.PopDue(now)
		if !ok {
			return
		}
		m.runTask(task)
	}
}

// runTask 执行单个维护任务，失败则退避重试直到放弃
func (m *Manager) runTask(task MaintenanceTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := m.executeTask(ctx, task)
	if err == nil {
		logger.Debug("维护任务完成",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)),
			zap.Uint("kb_id", task.KnowledgeBaseID))
		return
	}

	task.Attempts++
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.maintCfg.MaxAttempts
	}

	if task.Attempts >= maxAttempts {
		logger.Error("维护任务放弃（重试耗尽）",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)),
			zap.Uint("kb_id", task.KnowledgeBaseID),
			zap.Int("attempts", task.Attempts),
			zap.Error(err))
		m.noteFailure(task.KnowledgeBaseID, "maintenance_"+string(task.Type), err, []string{
			"任务已放弃，需要手动处理",
			fmt.Sprintf("任务类型: %s，已重试%d次", task.Type, task.Attempts),
		})
		return
	}

	// 退避延迟随尝试次数翻倍
	delay := m.maintCfg.RetryBaseDelay
	if delay <= 0 {
		delay = 10 * time.Second
	}
	for i := 1; i < task.Attempts; i++ {
		delay *= 2
	}
	task.ScheduledAt = time.Now().Add(delay)
	m.Maintenance.Enqueue(task)

	logger.Warn("维护任务失败，已重新入队",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int("attempts", task.Attempts),
		zap.Duration("retry_in", delay),
		zap.Error(err))
}

// executeTask 按类型分发任务
func (m *Manager) executeTask(ctx context.Context, task MaintenanceTask) error {
	kbID := task.KnowledgeBaseID

	switch task.Type {
	case TaskOptimize:
		_, err := m.Optimize(ctx, kbID)
		return err

	case TaskHealthCheck:
		stats, err := m.index.DescribeCollection(ctx, m.collectionName(kbID))
		if err != nil {
			m.setState(kbID, StateFailed, 0, 0, err.Error())
			return err
		}
		if !stats.Exists {
			m.setState(kbID, StateFailed, 0, 0, "collection missing")
			return nil
		}
		m.setState(kbID, StateHealthy, stats.Dimension, stats.RowCount, "")
		return nil

	case TaskRepair:
		embedding, ok := m.cachedConfig(kbID)
		if !ok {
			return fmt.Errorf("租户%d无缓存的嵌入配置，无法修复", kbID)
		}
		return m.Repair(ctx, kbID, embedding)

	case TaskCleanup:
		name, _ := task.Payload["collection"].(string)
		if name == "" {
			return fmt.Errorf("cleanup任务缺少collection参数")
		}
		return m.runIndexOp(ctx, kbID, "cleanup", func(opCtx context.Context) error {
			return m.index.DropCollection(opCtx, name)
		})

	case TaskMigrate:
		newCfg, ok := m.cachedConfig(kbID)
		if !ok {
			return fmt.Errorf("租户%d无缓存的嵌入配置，无法迁移", kbID)
		}
		oldCfg := config.EmbeddingConfig{
			Provider:  stringFromPayload(task.Payload, "old_provider"),
			Model:     stringFromPayload(task.Payload, "old_model"),
			Dimension: intFromPayload(task.Payload, "old_dimension"),
		}
		return m.Migrate(ctx, kbID, oldCfg, newCfg)

	default:
		return fmt.Errorf("未知维护任务类型: %s", task.Type)
	}
}

// cachedConfig 读取租户缓存的嵌入配置
func (m *Manager) cachedConfig(kbID uint) (config.EmbeddingConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.cachedConfigs[kbID]
	return cfg, ok
}

func stringFromPayload(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}

func intFromPayload(payload map[string]interface{}, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
