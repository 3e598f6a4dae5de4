package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/config"
	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

// HealthState 集合健康状态
type HealthState string

const (
	StateHealthy     HealthState = "healthy"
	StateDegraded    HealthState = "degraded"
	StateFailed      HealthState = "failed"
	StateMigrating   HealthState = "migrating"
	StateOptimizing  HealthState = "optimizing"
	StateMaintenance HealthState = "maintenance"
)

// CollectionStatus 单个租户集合的状态快照
type CollectionStatus struct {
	KnowledgeBaseID uint        `json:"kb_id"`
	State           HealthState `json:"state"`
	Dimension       int         `json:"dimension"`
	RowCount        int64       `json:"row_count"`
	LastError       string      `json:"last_error,omitempty"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// EnsureResult ensure操作的结果
// 维度不匹配时MigrationRequired为true，绝不静默放行
type EnsureResult struct {
	State             HealthState `json:"state"`
	Created           bool        `json:"created"`
	MigrationRequired bool        `json:"migration_required"`
	StoredDimension   int         `json:"stored_dimension"`
	ExpectedDimension int         `json:"expected_dimension"`
}

// ConfigurationChange 嵌入配置漂移记录
type ConfigurationChange struct {
	KnowledgeBaseID   uint      `json:"kb_id"`
	OldProvider       string    `json:"old_provider"`
	NewProvider       string    `json:"new_provider"`
	OldModel          string    `json:"old_model"`
	NewModel          string    `json:"new_model"`
	OldDimension      int       `json:"old_dimension"`
	NewDimension      int       `json:"new_dimension"`
	MigrationRequired bool      `json:"migration_required"`
	DetectedAt        time.Time `json:"detected_at"`
}

// OptimizeResult 集合优化结果
type OptimizeResult struct {
	Skipped     bool          `json:"skipped"`
	PointsBefore int64        `json:"points_before"`
	PointsAfter  int64        `json:"points_after"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Manager 集合生命周期管理器
// 所有索引变更调用都经过操作队列与恢复引擎
type Manager struct {
	cfg       config.VectorConfig
	maintCfg  config.MaintenanceConfig
	index     vector.Index
	queue     *queue.OperationQueue
	engine    *recovery.Engine
	publisher interfaces.EventPublisher // 可为nil

	Diagnostics *DiagnosticsRing
	Maintenance *MaintenanceQueue

	mu            sync.RWMutex
	states        map[uint]*CollectionStatus
	cachedConfigs map[uint]config.EmbeddingConfig

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager 创建集合生命周期管理器
func NewManager(cfg config.VectorConfig, maintCfg config.MaintenanceConfig, index vector.Index,
	opQueue *queue.OperationQueue, engine *recovery.Engine, publisher interfaces.EventPublisher) *Manager {
	return &Manager{
		cfg:           cfg,
		maintCfg:      maintCfg,
		index:         index,
		queue:         opQueue,
		engine:        engine,
		publisher:     publisher,
		Diagnostics:   NewDiagnosticsRing(maintCfg.DiagnosticsCap),
		Maintenance:   NewMaintenanceQueue(),
		states:        make(map[uint]*CollectionStatus),
		cachedConfigs: make(map[uint]config.EmbeddingConfig),
		stopChan:      make(chan struct{}),
	}
}

// collectionName 租户集合名
func (m *Manager) collectionName(kbID uint) string {
	return vector.CollectionName(m.cfg.CollectionPrefix, kbID)
}

// EnsureExists 确保租户集合存在且维度一致
// 维度不一致返回migration_required结果，不做任何静默写入
func (m *Manager) EnsureExists(ctx context.Context, kbID uint, embedding config.EmbeddingConfig) (EnsureResult, error) {
	name := m.collectionName(kbID)

	stats, err := m.index.DescribeCollection(ctx, name)
	if err != nil {
		m.noteFailure(kbID, "ensure_exists", err, []string{
			"检查向量索引服务是否可达",
			"确认连接池配置与索引地址",
		})
		return EnsureResult{State: StateFailed}, err
	}

	if stats.Exists {
		if stats.Dimension != embedding.Dimension {
			m.setState(kbID, StateDegraded, stats.Dimension, stats.RowCount, "dimension mismatch")
			logger.Warn("⚠️ 集合维度不匹配，需要迁移",
				zap.Uint("kb_id", kbID),
				zap.Int("stored", stats.Dimension),
				zap.Int("expected", embedding.Dimension))
			return EnsureResult{
				State:             StateDegraded,
				MigrationRequired: true,
				StoredDimension:   stats.Dimension,
				ExpectedDimension: embedding.Dimension,
			}, apperrors.ErrMigrationRequired
		}
		m.setState(kbID, StateHealthy, stats.Dimension, stats.RowCount, "")
		return EnsureResult{
			State:             StateHealthy,
			StoredDimension:   stats.Dimension,
			ExpectedDimension: embedding.Dimension,
		}, nil
	}

	// 缺失则创建，创建属于索引变更，经队列+恢复执行
	err = m.runIndexOp(ctx, kbID, "create_collection", func(opCtx context.Context) error {
		return m.index.CreateCollection(opCtx, name, embedding.Dimension)
	})
	if err != nil {
		m.setState(kbID, StateFailed, 0, 0, err.Error())
		return EnsureResult{State: StateFailed, ExpectedDimension: embedding.Dimension}, err
	}

	m.setState(kbID, StateHealthy, embedding.Dimension, 0, "")
	logger.Info("✅ 集合创建成功",
		zap.Uint("kb_id", kbID),
		zap.String("collection", name),
		zap.Int("dimension", embedding.Dimension))
	return EnsureResult{
		State:             StateHealthy,
		Created:           true,
		StoredDimension:   embedding.Dimension,
		ExpectedDimension: embedding.Dimension,
	}, nil
}

// Migrate 迁移租户集合配置
// 维度不变仅更新缓存配置；维度变化创建并行集合并标记migrating，
// 数据搬运由外部兼容组件完成
func (m *Manager) Migrate(ctx context.Context, kbID uint, oldCfg, newCfg config.EmbeddingConfig) error {
	if oldCfg.Dimension == newCfg.Dimension {
		m.mu.Lock()
		m.cachedConfigs[kbID] = newCfg
		m.mu.Unlock()
		logger.Info("集合配置迁移（仅元数据）",
			zap.Uint("kb_id", kbID),
			zap.String("model", newCfg.Model))
		return nil
	}

	migrationName := vector.MigrationCollectionName(m.cfg.CollectionPrefix, kbID, newCfg.Dimension)
	err := m.runIndexOp(ctx, kbID, "migrate_collection", func(opCtx context.Context) error {
		return m.index.CreateCollection(opCtx, migrationName, newCfg.Dimension)
	})
	if err != nil {
		m.noteFailure(kbID, "migrate", err, []string{
			"确认索引服务有足够资源创建新集合",
			fmt.Sprintf("手动清理残留迁移集合 %s", migrationName),
		})
		return err
	}

	m.setState(kbID, StateMigrating, newCfg.Dimension, 0, "")
	m.mu.Lock()
	m.cachedConfigs[kbID] = newCfg
	m.mu.Unlock()

	m.publishEvent(ctx, "collection.migration_started", map[string]interface{}{
		"kb_id":          kbID,
		"old_dimension":  oldCfg.Dimension,
		"new_dimension":  newCfg.Dimension,
		"migration_name": migrationName,
	})
	return nil
}

// CompleteMigration 数据搬运完成后切换集合
// 删除旧集合，将迁移集合视为新的主集合并恢复healthy
func (m *Manager) CompleteMigration(ctx context.Context, kbID uint, newCfg config.EmbeddingConfig, success bool) error {
	if !success {
		m.setState(kbID, StateDegraded, 0, 0, "migration data copy failed")
		return nil
	}

	name := m.collectionName(kbID)
	migrationName := vector.MigrationCollectionName(m.cfg.CollectionPrefix, kbID, newCfg.Dimension)

	err := m.runIndexOp(ctx, kbID, "complete_migration", func(opCtx context.Context) error {
		if err := m.index.DropCollection(opCtx, name); err != nil {
			return err
		}
		return m.index.CreateCollection(opCtx, name, newCfg.Dimension)
	})
	if err != nil {
		return err
	}

	// 残留的迁移集合交给cleanup任务
	m.Maintenance.Enqueue(MaintenanceTask{
		KnowledgeBaseID: kbID,
		Type:            TaskCleanup,
		Priority:        5,
		MaxAttempts:     m.maintCfg.MaxAttempts,
		Payload:         map[string]interface{}{"collection": migrationName},
	})

	m.setState(kbID, StateHealthy, newCfg.Dimension, 0, "")
	return nil
}

// Repair 修复租户集合
// 缺失→重建；配置不一致→强制重建；正常→标记healthy
func (m *Manager) Repair(ctx context.Context, kbID uint, embedding config.EmbeddingConfig) error {
	name := m.collectionName(kbID)
	m.setState(kbID, StateMaintenance, 0, 0, "")

	stats, err := m.index.DescribeCollection(ctx, name)
	if err != nil {
		m.noteFailure(kbID, "repair", err, []string{"检查向量索引服务状态"})
		m.setState(kbID, StateFailed, 0, 0, err.Error())
		return err
	}

	switch {
	case !stats.Exists:
		err = m.runIndexOp(ctx, kbID, "repair_recreate", func(opCtx context.Context) error {
			return m.index.CreateCollection(opCtx, name, embedding.Dimension)
		})
	case stats.Dimension != embedding.Dimension:
		err = m.runIndexOp(ctx, kbID, "repair_force_recreate", func(opCtx context.Context) error {
			if dropErr := m.index.DropCollection(opCtx, name); dropErr != nil {
				return dropErr
			}
			return m.index.CreateCollection(opCtx, name, embedding.Dimension)
		})
	default:
		m.setState(kbID, StateHealthy, stats.Dimension, stats.RowCount, "")
		return nil
	}

	if err != nil {
		m.setState(kbID, StateFailed, 0, 0, err.Error())
		return err
	}
	m.setState(kbID, StateHealthy, embedding.Dimension, 0, "")
	logger.Info("✅ 集合修复完成", zap.Uint("kb_id", kbID))
	return nil
}

// Optimize 集合优化
// 点数未达阈值时跳过；压缩后报告前后点数与耗时
func (m *Manager) Optimize(ctx context.Context, kbID uint) (OptimizeResult, error) {
	name := m.collectionName(kbID)

	stats, err := m.index.DescribeCollection(ctx, name)
	if err != nil {
		return OptimizeResult{}, err
	}
	if !stats.Exists || stats.RowCount < m.maintCfg.OptimizeThreshold {
		return OptimizeResult{Skipped: true, PointsBefore: stats.RowCount, PointsAfter: stats.RowCount}, nil
	}

	m.setState(kbID, StateOptimizing, stats.Dimension, stats.RowCount, "")
	start := time.Now()

	var before, after int64
	err = m.runIndexOp(ctx, kbID, "optimize", func(opCtx context.Context) error {
		var opErr error
		before, after, opErr = m.index.Compact(opCtx, name)
		return opErr
	})
	elapsed := time.Since(start)

	if err != nil {
		m.setState(kbID, StateDegraded, stats.Dimension, stats.RowCount, err.Error())
		return OptimizeResult{PointsBefore: before, Elapsed: elapsed}, err
	}

	m.setState(kbID, StateHealthy, stats.Dimension, after, "")
	logger.Info("集合优化完成",
		zap.Uint("kb_id", kbID),
		zap.Int64("points_before", before),
		zap.Int64("points_after", after),
		zap.Duration("elapsed", elapsed))
	return OptimizeResult{PointsBefore: before, PointsAfter: after, Elapsed: elapsed}, nil
}

// DetectDrift 检测嵌入配置漂移
// 与上次缓存的配置比较，维度变化时入队迁移任务
func (m *Manager) DetectDrift(kbID uint, current config.EmbeddingConfig) (*ConfigurationChange, bool) {
	m.mu.Lock()
	cached, seen := m.cachedConfigs[kbID]
	m.cachedConfigs[kbID] = current
	m.mu.Unlock()

	if !seen || cached == current {
		return nil, false
	}

	change := &ConfigurationChange{
		KnowledgeBaseID:   kbID,
		OldProvider:       cached.Provider,
		NewProvider:       current.Provider,
		OldModel:          cached.Model,
		NewModel:          current.Model,
		OldDimension:      cached.Dimension,
		NewDimension:      current.Dimension,
		MigrationRequired: cached.Dimension != current.Dimension,
		DetectedAt:        time.Now(),
	}

	logger.Warn("⚠️ 检测到嵌入配置变化",
		zap.Uint("kb_id", kbID),
		zap.String("old_model", cached.Model),
		zap.String("new_model", current.Model),
		zap.Bool("migration_required", change.MigrationRequired))

	if change.MigrationRequired {
		m.Maintenance.Enqueue(MaintenanceTask{
			KnowledgeBaseID: kbID,
			Type:            TaskMigrate,
			Priority:        1,
			MaxAttempts:     m.maintCfg.MaxAttempts,
			Payload: map[string]interface{}{
				"old_dimension": cached.Dimension,
				"new_dimension": current.Dimension,
				"old_provider":  cached.Provider,
				"old_model":     cached.Model,
			},
		})
	}

	m.publishEvent(context.Background(), "collection.config_drift", change)
	return change, true
}

// HealthSummary 全部租户集合的健康汇总
func (m *Manager) HealthSummary() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byState := make(map[HealthState]int)
	statuses := make([]CollectionStatus, 0, len(m.states))
	for _, st := range m.states {
		byState[st.State]++
		statuses = append(statuses, *st)
	}

	return map[string]interface{}{
		"total":             len(m.states),
		"by_state":          byState,
		"collections":       statuses,
		"maintenance_depth": m.Maintenance.Len(),
		"diagnostics_count": m.Diagnostics.Len(),
	}
}

// Status 单个租户的状态
func (m *Manager) Status(kbID uint) (CollectionStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[kbID]
	if !ok {
		return CollectionStatus{}, false
	}
	return *st, true
}

// runIndexOp 索引变更统一入口：入队执行并在恢复引擎指导下重试
func (m *Manager) runIndexOp(ctx context.Context, kbID uint, kind string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)

	_, err := m.queue.Enqueue(&queue.Operation{
		Kind:            kind,
		KnowledgeBaseID: kbID,
		Execute: func(opCtx context.Context) error {
			opErr := m.withRecovery(opCtx, kbID, kind, fn)
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

// withRecovery 在恢复引擎指导下执行，指数退避封顶，重试次数有上限
func (m *Manager) withRecovery(ctx context.Context, kbID uint, kind string, fn func(ctx context.Context) error) error {
	maxAttempts := m.maintCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			m.engine.RecordSuccess(ctx, kbID, kind)
			return nil
		}

		result := m.engine.Handle(ctx, lastErr, recovery.ErrorContext{
			KnowledgeBaseID: kbID,
			Operation:       kind,
			Attempt:         attempt,
		})

		if result.ShortCircuited {
			return fmt.Errorf("%s短路：%w", kind, apperrors.ErrCircuitOpen)
		}
		if result.Terminal {
			break
		}
		if result.Retryable {
			select {
			case <-time.After(result.RetryAfter):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		// 降级对索引变更无意义，直接失败
		break
	}

	m.noteFailure(kbID, kind, lastErr, []string{
		"检查向量索引服务健康状态",
		"查看熔断器状态确认资源是否已被隔离",
		"必要时手动执行集合修复",
	})
	return fmt.Errorf("%s失败（重试已耗尽）: %w", kind, lastErr)
}

// setState 更新租户状态
func (m *Manager) setState(kbID uint, state HealthState, dimension int, rowCount int64, lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[kbID] = &CollectionStatus{
		KnowledgeBaseID: kbID,
		State:           state,
		Dimension:       dimension,
		RowCount:        rowCount,
		LastError:       lastError,
		UpdatedAt:       time.Now(),
	}
}

// noteFailure 记录诊断
func (m *Manager) noteFailure(kbID uint, operation string, err error, remediation []string) {
	if err == nil {
		return
	}
	m.Diagnostics.Append(DiagnosticInfo{
		KnowledgeBaseID: kbID,
		ErrorType:       operation,
		Message:         err.Error(),
		Context:         map[string]interface{}{"operation": operation},
		Remediation:     remediation,
	})
}

// publishEvent 发布事件，失败仅记日志
func (m *Manager) publishEvent(ctx context.Context, eventType string, payload interface{}) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, eventType, payload); err != nil {
		logger.Warn("集合事件发布失败", zap.String("event_type", eventType), zap.Error(err))
	}
}
