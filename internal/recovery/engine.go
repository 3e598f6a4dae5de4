package recovery

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
)

// ErrorContext 单次失败的上下文信息
type ErrorContext struct {
	KnowledgeBaseID uint   // 租户（知识库）ID
	Operation       string // 失败的操作名，如 embedding / search / create_collection
	Attempt         int    // 第几次重试，从0开始
	Provider        string // 可选：外部服务提供方
	RequestID       string // 可选：请求追踪ID
}

// RecoveryResult 恢复决策结果
// 引擎只产出决策，不代替调用方重试
type RecoveryResult struct {
	Category       ErrorCategory `json:"category"`
	Severity       Severity      `json:"severity"`
	Strategy       Strategy      `json:"strategy"`
	Success        bool          `json:"success"`         // 是否产出了可执行的恢复决策
	Retryable      bool          `json:"retryable"`       // 调用方可在RetryAfter后重试
	RetryAfter     time.Duration `json:"retry_after"`     // 重试等待时长
	Degraded       bool          `json:"degraded"`        // 降级继续，Fallback承载降级数据
	Fallback       interface{}   `json:"fallback,omitempty"`
	Terminal       bool          `json:"terminal"`        // 永久失败，需人工介入
	ShortCircuited bool          `json:"short_circuited"` // 熔断器拦截，未执行任何策略
	Message        string        `json:"message"`
}

// Engine 错误恢复引擎
type Engine struct {
	cfg       config.RecoveryConfig
	breakers  *BreakerRegistry
	publisher interfaces.EventPublisher // 可为nil

	// failStreaks 记录每个资源键的连续失败次数，
	// 用于在恢复后发布"故障后首次成功"事件
	mu          sync.Mutex
	failStreaks map[string]int

	stats   *Stats
	metrics *recoveryMetrics
}

// NewEngine 创建恢复引擎
func NewEngine(cfg config.RecoveryConfig, breakers *BreakerRegistry, publisher interfaces.EventPublisher) *Engine {
	if breakers == nil {
		breakers = NewBreakerRegistry(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.CooldownPeriod)
	}
	return &Engine{
		cfg:         cfg,
		breakers:    breakers,
		publisher:   publisher,
		failStreaks: make(map[string]int),
		stats:       NewStats(),
		metrics:     getRecoveryMetrics(),
	}
}

// Breakers 返回熔断器注册表
func (e *Engine) Breakers() *BreakerRegistry {
	return e.breakers
}

// Handle 处理一次失败并产出恢复决策
// 引擎自身不会重新发起原调用
func (e *Engine) Handle(ctx context.Context, err error, ec ErrorContext) RecoveryResult {
	start := time.Now()

	category := Classify(err)
	severity := ClassifySeverity(err)
	key := BreakerKey(ec.KnowledgeBaseID, ec.Operation)
	breaker := e.breakers.Get(key)

	// 熔断打开且冷却未到：直接短路，不执行任何策略
	if !breaker.CanExecute() {
		result := RecoveryResult{
			Category:       category,
			Severity:       severity,
			Strategy:       StrategyNone,
			ShortCircuited: true,
			Message:        apperrors.ErrCircuitOpen.Message,
		}
		e.record(ec, result, time.Since(start))
		return result
	}

	e.noteFailure(key, breaker)

	// critical级别不做自动恢复
	if severity == SeverityCritical {
		result := e.execute(StrategyManualIntervention, category, severity, ec)
		e.record(ec, result, time.Since(start))
		logger.Error("不可自动恢复的错误，需人工介入",
			zap.Uint("kb_id", ec.KnowledgeBaseID),
			zap.String("operation", ec.Operation),
			zap.String("category", string(category)),
			zap.Error(err))
		return result
	}

	strategy := SelectStrategy(category, ec.Attempt)
	result := e.execute(strategy, category, severity, ec)
	e.record(ec, result, time.Since(start))

	logger.Warn("错误恢复决策",
		zap.Uint("kb_id", ec.KnowledgeBaseID),
		zap.String("operation", ec.Operation),
		zap.Int("attempt", ec.Attempt),
		zap.String("category", string(category)),
		zap.String("severity", string(severity)),
		zap.String("strategy", string(result.Strategy)),
		zap.Error(err))
	return result
}

// RecordSuccess 记录一次成功调用
// 若此前存在连续失败，发布恢复事件
func (e *Engine) RecordSuccess(ctx context.Context, kbID uint, operation string) {
	key := BreakerKey(kbID, operation)
	breaker := e.breakers.Get(key)
	wasOpen := breaker.State() != StateClosed
	breaker.RecordSuccess()

	e.mu.Lock()
	streak := e.failStreaks[key]
	e.failStreaks[key] = 0
	e.mu.Unlock()

	if streak > 0 {
		e.metrics.recoveredTotal.Inc()
		logger.Info("✅ 资源恢复正常",
			zap.String("resource", key),
			zap.Int("failure_streak", streak),
			zap.Bool("breaker_was_open", wasOpen))
		e.publishEvent(ctx, "recovery.resource_recovered", map[string]interface{}{
			"resource":       key,
			"kb_id":          kbID,
			"operation":      operation,
			"failure_streak": streak,
			"recovered_at":   time.Now().Format(time.RFC3339),
		})
	}
}

// execute 执行策略，产出决策
func (e *Engine) execute(strategy Strategy, category ErrorCategory, severity Severity, ec ErrorContext) RecoveryResult {
	result := RecoveryResult{
		Category: category,
		Severity: severity,
		Strategy: strategy,
	}

	switch strategy {
	case StrategyRetryBackoff:
		result.Success = true
		result.Retryable = true
		result.RetryAfter = Backoff(e.cfg.BaseBackoff, e.cfg.MaxBackoff, ec.Attempt, severity)
		result.Message = fmt.Sprintf("等待%s后重试", result.RetryAfter)

	case StrategyFallbackProvider:
		result.Success = true
		result.Retryable = true
		result.Message = "切换备用提供方后重试"

	case StrategyAlternateEndpoint:
		result.Success = true
		result.Retryable = true
		result.RetryAfter = Backoff(e.cfg.BaseBackoff, e.cfg.MaxBackoff, 0, severity)
		result.Message = "切换备用端点后重试"

	case StrategyCacheFallback:
		result.Success = true
		result.Degraded = true
		result.Fallback = []interface{}{}
		result.Message = "检索降级，返回缓存/空结果"

	case StrategyGracefulDegradation:
		result.Success = true
		result.Degraded = true
		result.Message = "功能降级，跳过该能力继续执行"

	case StrategySkipOperation:
		result.Success = true
		result.Degraded = true
		result.Message = "跳过本次操作"

	case StrategyManualIntervention:
		result.Terminal = true
		result.Message = "自动恢复不可用，需人工介入"

	default:
		result.Message = "无可用恢复策略"
	}
	return result
}

// noteFailure 更新熔断器与连续失败计数
func (e *Engine) noteFailure(key string, breaker *CircuitBreaker) {
	prevState := breaker.State()
	breaker.RecordFailure()

	e.mu.Lock()
	e.failStreaks[key]++
	e.mu.Unlock()

	if breaker.State() == StateOpen && prevState != StateOpen {
		e.metrics.breakerOpenTotal.Inc()
		logger.Warn("⚠️ 熔断器打开", zap.String("resource", key))
		e.publishEvent(context.Background(), "recovery.breaker_opened", map[string]interface{}{
			"resource":  key,
			"opened_at": time.Now().Format(time.RFC3339),
		})
	}
}

// record 统计记录
func (e *Engine) record(ec ErrorContext, result RecoveryResult, elapsed time.Duration) {
	e.stats.Record(result.Category, result.Strategy, result.Success && !result.ShortCircuited)
	e.metrics.handledTotal.WithLabelValues(string(result.Category), string(result.Strategy)).Inc()
	e.metrics.handleDuration.WithLabelValues(string(result.Category)).Observe(elapsed.Seconds())
	if result.ShortCircuited {
		e.metrics.shortCircuitTotal.Inc()
	}
}

// publishEvent 发布事件，发布失败只记日志
func (e *Engine) publishEvent(ctx context.Context, eventType string, payload interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, eventType, payload); err != nil {
		logger.Warn("恢复事件发布失败", zap.String("event_type", eventType), zap.Error(err))
	}
}

// Summary 获取恢复引擎运行统计
func (e *Engine) Summary() map[string]interface{} {
	return map[string]interface{}{
		"stats":    e.stats.Snapshot(),
		"breakers": e.breakers.All(),
	}
}
