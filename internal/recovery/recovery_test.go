package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/ragcore/internal/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.RecoveryConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		CooldownPeriod:   60 * time.Second,
		BaseBackoff:      100 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
	}
	return NewEngine(cfg, NewBreakerRegistry(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.CooldownPeriod), nil)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"嵌入错误", errors.New("embedding request failed: model not found"), CategoryEmbeddingGeneration},
		{"检索错误", errors.New("milvus search failed: topk invalid"), CategoryVectorSearch},
		{"集合错误", errors.New("failed to create index on collection kb_42"), CategoryCollectionManagement},
		{"凭证错误", errors.New("request rejected: invalid api key"), CategoryCredentialValidation},
		{"配置错误", errors.New("configuration error: unsupported provider"), CategoryConfigValidation},
		{"网络错误", errors.New("dial tcp 10.0.0.1:19530: connection refused"), CategoryNetwork},
		{"资源耗尽", errors.New("429 too many requests"), CategoryResourceExhaustion},
		{"数据损坏", errors.New("checksum mismatch, record corrupt"), CategoryDataCorruption},
		{"未知错误", errors.New("something odd happened"), CategoryUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.err))
		})
	}
}

func TestClassifyOrderFirstMatchWins(t *testing.T) {
	// 同时命中凭证和检索关键字时，靠前的凭证规则生效
	err := errors.New("milvus search rejected: unauthorized")
	assert.Equal(t, CategoryCredentialValidation, Classify(err))
}

func TestClassifySeverity(t *testing.T) {
	assert.Equal(t, SeverityCritical, ClassifySeverity(errors.New("record corrupt")))
	assert.Equal(t, SeverityHigh, ClassifySeverity(errors.New("dimension mismatch: 1536 != 768")))
	assert.Equal(t, SeverityLow, ClassifySeverity(errors.New("request timeout")))
	assert.Equal(t, SeverityMedium, ClassifySeverity(errors.New("plain failure")))
}

func TestSelectStrategyWrapsToDegradation(t *testing.T) {
	assert.Equal(t, StrategyRetryBackoff, SelectStrategy(CategoryNetwork, 0))
	assert.Equal(t, StrategyAlternateEndpoint, SelectStrategy(CategoryNetwork, 1))
	assert.Equal(t, StrategyGracefulDegradation, SelectStrategy(CategoryNetwork, 2))
	// 超出列表长度后统一回落
	assert.Equal(t, StrategyGracefulDegradation, SelectStrategy(CategoryNetwork, 10))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	d0 := Backoff(base, max, 0, SeverityLow)
	d1 := Backoff(base, max, 1, SeverityLow)
	d2 := Backoff(base, max, 2, SeverityLow)

	assert.Equal(t, 100*time.Millisecond, d0)
	assert.Equal(t, 200*time.Millisecond, d1)
	assert.Equal(t, 400*time.Millisecond, d2)

	// 封顶
	assert.Equal(t, max, Backoff(base, max, 20, SeverityLow))
	// 高严重级别放大但仍封顶
	assert.Equal(t, max, Backoff(base, max, 3, SeverityCritical))
}

func TestCircuitBreakerTransitions(t *testing.T) {
	cb := NewCircuitBreaker("1:search", 3, 2, 50*time.Millisecond)
	require.Equal(t, StateClosed, cb.State())

	// 达到失败阈值后打开
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanExecute())

	// 冷却后进入半开
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, StateHalfOpen, cb.State())

	// 半开状态需要连续成功才完全关闭
	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("1:embedding", 1, 2, 10*time.Millisecond)
	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.CanExecute())
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerRegistryLazyCreate(t *testing.T) {
	r := NewBreakerRegistry(5, 3, time.Minute)

	a := r.Get(BreakerKey(1, "search"))
	b := r.Get(BreakerKey(1, "search"))
	c := r.Get(BreakerKey(2, "search"))

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.All(), 2)
}

func TestEngineHandleRetryDecision(t *testing.T) {
	e := testEngine(t)

	result := e.Handle(context.Background(), errors.New("dial tcp: connection refused"), ErrorContext{
		KnowledgeBaseID: 1,
		Operation:       "search",
		Attempt:         0,
	})

	assert.True(t, result.Success)
	assert.True(t, result.Retryable)
	assert.Equal(t, CategoryNetwork, result.Category)
	assert.Equal(t, StrategyRetryBackoff, result.Strategy)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.False(t, result.ShortCircuited)
}

func TestEngineHandleCriticalIsTerminal(t *testing.T) {
	e := testEngine(t)

	result := e.Handle(context.Background(), errors.New("chunk record corrupt"), ErrorContext{
		KnowledgeBaseID: 1,
		Operation:       "store",
	})

	assert.True(t, result.Terminal)
	assert.Equal(t, StrategyManualIntervention, result.Strategy)
	assert.Equal(t, SeverityCritical, result.Severity)
	assert.False(t, result.Retryable)
}

func TestEngineShortCircuitsOpenBreaker(t *testing.T) {
	e := testEngine(t)
	ec := ErrorContext{KnowledgeBaseID: 7, Operation: "embedding"}

	// 连续失败直到熔断打开
	for i := 0; i < 5; i++ {
		e.Handle(context.Background(), errors.New("connection refused"), ec)
	}
	require.Equal(t, StateOpen, e.Breakers().Get(BreakerKey(7, "embedding")).State())

	result := e.Handle(context.Background(), errors.New("connection refused"), ec)
	assert.True(t, result.ShortCircuited)
	assert.Equal(t, StrategyNone, result.Strategy)
	assert.False(t, result.Success)
}

func TestEngineRecordSuccessResetsStreak(t *testing.T) {
	e := testEngine(t)
	ec := ErrorContext{KnowledgeBaseID: 3, Operation: "search"}

	e.Handle(context.Background(), errors.New("timeout"), ec)
	e.Handle(context.Background(), errors.New("timeout"), ec)
	e.RecordSuccess(context.Background(), 3, "search")

	e.mu.Lock()
	streak := e.failStreaks[BreakerKey(3, "search")]
	e.mu.Unlock()
	assert.Zero(t, streak)
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStats()
	s.Record(CategoryNetwork, StrategyRetryBackoff, true)
	s.Record(CategoryNetwork, StrategyGracefulDegradation, true)
	s.Record(CategoryUnknown, StrategyRetryBackoff, false)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap["handled_total"])
	assert.Equal(t, int64(2), snap["succeeded_total"])
	assert.Equal(t, int64(2), snap["by_category"].(map[string]int64)["network"])
	assert.Equal(t, int64(2), snap["by_strategy"].(map[string]int64)["retry_backoff"])
}
