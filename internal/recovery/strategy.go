package recovery

import (
	"time"
)

// Strategy 恢复策略
type Strategy string

const (
	StrategyRetryBackoff        Strategy = "retry_backoff"
	StrategyFallbackProvider    Strategy = "fallback_provider"
	StrategyGracefulDegradation Strategy = "graceful_degradation"
	StrategyCacheFallback       Strategy = "cache_fallback"
	StrategyAlternateEndpoint   Strategy = "alternate_endpoint"
	StrategySkipOperation       Strategy = "skip_operation"
	StrategyManualIntervention  Strategy = "manual_intervention"
	StrategyNone                Strategy = "none"
)

// strategyTable 类别→有序策略列表
// 第N次重试选用下标N的策略，越界后统一回落到优雅降级
var strategyTable = map[ErrorCategory][]Strategy{
	CategoryEmbeddingGeneration: {
		StrategyRetryBackoff, StrategyFallbackProvider, StrategyGracefulDegradation,
	},
	CategoryVectorSearch: {
		StrategyRetryBackoff, StrategyCacheFallback, StrategyGracefulDegradation,
	},
	CategoryCollectionManagement: {
		StrategyRetryBackoff, StrategyRetryBackoff, StrategyGracefulDegradation,
	},
	CategoryCredentialValidation: {
		StrategyManualIntervention,
	},
	CategoryConfigValidation: {
		StrategyManualIntervention,
	},
	CategoryNetwork: {
		StrategyRetryBackoff, StrategyAlternateEndpoint, StrategyGracefulDegradation,
	},
	CategoryResourceExhaustion: {
		StrategyRetryBackoff, StrategySkipOperation, StrategyGracefulDegradation,
	},
	CategoryDataCorruption: {
		StrategyManualIntervention,
	},
	CategoryUnknown: {
		StrategyRetryBackoff, StrategyGracefulDegradation,
	},
}

// SelectStrategy 根据类别和重试次数选择策略
func SelectStrategy(category ErrorCategory, attempt int) Strategy {
	list, ok := strategyTable[category]
	if !ok || len(list) == 0 {
		return StrategyGracefulDegradation
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(list) {
		return StrategyGracefulDegradation
	}
	return list[attempt]
}

// severityBackoffFactor 严重级别对退避时长的放大系数
var severityBackoffFactor = map[Severity]float64{
	SeverityLow:      1.0,
	SeverityMedium:   2.0,
	SeverityHigh:     4.0,
	SeverityCritical: 8.0,
}

// Backoff 计算指数退避时长：base * 2^attempt * 严重级别系数，封顶maxDelay
func Backoff(base, maxDelay time.Duration, attempt int, severity Severity) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			break
		}
	}

	factor, ok := severityBackoffFactor[severity]
	if !ok {
		factor = 1.0
	}
	delay = time.Duration(float64(delay) * factor)

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
