package pipeline

import (
	"github.com/aihub/ragcore/internal/chunks"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
)

// Status 请求处理结果的三态标签
type Status string

const (
	StatusOk       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// Provenance 恢复来源信息，供下游生成用户可见的说明
type Provenance struct {
	Category string `json:"category,omitempty"`
	Severity string `json:"severity,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// QueryOutcome 查询路径结果
type QueryOutcome struct {
	Status     Status         `json:"status"`
	Matches    []vector.Match `json:"matches"`
	Provenance Provenance     `json:"provenance"`
	Err        error          `json:"-"`
}

// DocumentOutcome 文档路径结果
type DocumentOutcome struct {
	Status     Status             `json:"status"`
	Store      *chunks.StoreResult `json:"store,omitempty"`
	Provenance Provenance         `json:"provenance"`
	Err        error              `json:"-"`
}

// provenanceFrom 从恢复决策提取来源信息
func provenanceFrom(result recovery.RecoveryResult, reason string) Provenance {
	return Provenance{
		Category: string(result.Category),
		Severity: string(result.Severity),
		Strategy: string(result.Strategy),
		Degraded: result.Degraded,
		Reason:   reason,
	}
}
