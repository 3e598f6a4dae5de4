package recovery

import "strings"

// ErrorCategory 错误类别
type ErrorCategory string

const (
	CategoryEmbeddingGeneration  ErrorCategory = "embedding_generation"
	CategoryVectorSearch         ErrorCategory = "vector_search"
	CategoryCollectionManagement ErrorCategory = "collection_management"
	CategoryCredentialValidation ErrorCategory = "credential_validation"
	CategoryConfigValidation     ErrorCategory = "config_validation"
	CategoryNetwork              ErrorCategory = "network"
	CategoryResourceExhaustion   ErrorCategory = "resource_exhaustion"
	CategoryDataCorruption       ErrorCategory = "data_corruption"
	CategoryUnknown              ErrorCategory = "unknown"
)

// Severity 错误严重级别
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// classifyRule 分类规则：错误文本命中任一关键字即归入该类别
// 规则按声明顺序求值，先命中者生效
type classifyRule struct {
	category ErrorCategory
	keywords []string
}

// classifyRules 分类规则表
// 凭证和数据损坏类放在前面，避免被更宽泛的规则抢先命中
var classifyRules = []classifyRule{
	{CategoryCredentialValidation, []string{
		"api key", "apikey", "unauthorized", "authentication", "invalid credential",
		"permission denied", "forbidden", "401", "403",
	}},
	{CategoryDataCorruption, []string{
		"corrupt", "checksum", "数据损坏", "invalid utf-8", "malformed data",
		"integrity violation",
	}},
	{CategoryConfigValidation, []string{
		"invalid config", "configuration error", "配置无效", "missing required field",
		"unsupported provider", "unsupported model", "validation failed",
	}},
	{CategoryResourceExhaustion, []string{
		"rate limit", "quota", "too many requests", "429", "resource exhausted",
		"out of memory", "disk full", "pool exhausted", "队列已满",
	}},
	{CategoryEmbeddingGeneration, []string{
		"embedding", "嵌入", "向量生成", "dimension mismatch", "维度不匹配",
		"model not found",
	}},
	{CategoryCollectionManagement, []string{
		"collection", "集合", "create index", "load collection", "partition",
		"schema mismatch",
	}},
	{CategoryVectorSearch, []string{
		"search", "检索", "query vector", "topk", "similarity", "milvus",
	}},
	{CategoryNetwork, []string{
		"connection refused", "connection reset", "timeout", "超时", "dial tcp",
		"no such host", "eof", "broken pipe", "network", "unavailable", "503",
	}},
}

// severityRule 严重级别规则，同样按声明顺序求值
type severityRule struct {
	severity Severity
	keywords []string
}

var severityRules = []severityRule{
	{SeverityCritical, []string{
		"corrupt", "数据损坏", "integrity violation", "data loss", "checksum",
	}},
	{SeverityHigh, []string{
		"unauthorized", "authentication", "invalid credential", "forbidden",
		"dimension mismatch", "维度不匹配", "schema mismatch", "out of memory",
	}},
	{SeverityLow, []string{
		"timeout", "超时", "rate limit", "too many requests", "429",
		"connection reset", "temporarily",
	}},
}

// Classify 基于错误文本分类
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}

// ClassifySeverity 基于错误文本判定严重级别，默认medium
func ClassifySeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range severityRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.severity
			}
		}
	}
	return SeverityMedium
}
