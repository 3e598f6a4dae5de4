package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误
	ErrCodeInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeConflict       ErrorCode = "CONFLICT"

	// 验证错误
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"

	// 队列错误
	ErrCodeQueueFull          ErrorCode = "QUEUE_FULL"
	ErrCodeOperationNotFound  ErrorCode = "OPERATION_NOT_FOUND"
	ErrCodeOperationCancelled ErrorCode = "OPERATION_CANCELLED"
	ErrCodeShuttingDown       ErrorCode = "SHUTTING_DOWN"

	// 向量索引错误
	ErrCodeCollectionNotFound ErrorCode = "COLLECTION_NOT_FOUND"
	ErrCodeDimensionMismatch  ErrorCode = "DIMENSION_MISMATCH"
	ErrCodeMigrationRequired  ErrorCode = "MIGRATION_REQUIRED"
	ErrCodeVectorStore        ErrorCode = "VECTOR_STORE_ERROR"
	ErrCodePoolExhausted      ErrorCode = "POOL_EXHAUSTED"

	// 恢复错误
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrCodeManualIntervention ErrorCode = "MANUAL_INTERVENTION"

	// 数据库错误
	ErrCodeDatabaseError    ErrorCode = "DATABASE_ERROR"
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"

	// 外部服务错误
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeEmbeddingFailed ErrorCode = "EMBEDDING_FAILED"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
)

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeSystem ErrorType = iota
	ErrorTypeBusiness
	ErrorTypeValidation
	ErrorTypeExternal
)

// 跨组件共享的哨兵错误
var (
	// ErrQueueFull 队列已满，立即返回不阻塞调用方
	ErrQueueFull = NewSystemError(ErrCodeQueueFull, "operation queue is full")
	// ErrOperationNotFound 操作ID不存在或已被清理
	ErrOperationNotFound = NewBusinessError(ErrCodeOperationNotFound, "operation not found")
	// ErrShuttingDown 队列关闭中，拒绝新操作
	ErrShuttingDown = NewSystemError(ErrCodeShuttingDown, "operation queue is shutting down")
	// ErrPoolExhausted 连接租借超时
	ErrPoolExhausted = NewSystemError(ErrCodePoolExhausted, "vector connection pool acquire timed out")
	// ErrCircuitOpen 熔断器打开，短路返回
	ErrCircuitOpen = NewSystemError(ErrCodeCircuitOpen, "circuit breaker is open")
	// ErrMigrationRequired 集合维度与当前嵌入配置不一致
	ErrMigrationRequired = NewBusinessError(ErrCodeMigrationRequired, "collection migration required")
)

// AppError 应用错误结构体
type AppError struct {
	Code      ErrorCode   `json:"code"`
	Message   string      `json:"message"`
	Type      ErrorType   `json:"type"`
	HTTPCode  int         `json:"-"`
	Details   interface{} `json:"details,omitempty"`
	Cause     error       `json:"-"`
	RequestID string      `json:"-"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is 支持errors.Is按错误码比较
func (e *AppError) Is(target error) bool {
	var appErr *AppError
	if errors.As(target, &appErr) {
		return e.Code == appErr.Code
	}
	return false
}

// WithDetails 添加错误详情
func (e *AppError) WithDetails(details interface{}) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// WithCause 添加错误原因
func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

// NewSystemError 创建系统错误
func NewSystemError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeSystem,
		HTTPCode: http.StatusInternalServerError,
	}
}

// NewBusinessError 创建业务错误
func NewBusinessError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeBusiness,
		HTTPCode: getHTTPCodeForError(code),
	}
}

// NewValidationError 创建验证错误
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:     ErrCodeValidationFailed,
		Message:  message,
		Type:     ErrorTypeValidation,
		HTTPCode: http.StatusBadRequest,
	}
}

// NewExternalError 创建外部服务错误
func NewExternalError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Type:     ErrorTypeExternal,
		HTTPCode: http.StatusBadGateway,
	}
}

// getHTTPCodeForError 根据错误码获取HTTP状态码
func getHTTPCodeForError(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound, ErrCodeOperationNotFound, ErrCodeCollectionNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeMigrationRequired, ErrCodeDimensionMismatch:
		return http.StatusConflict
	case ErrCodeQueueFull, ErrCodePoolExhausted, ErrCodeCircuitOpen:
		return http.StatusTooManyRequests
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsAppError 检查是否为AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError 获取AppError，如果不是则包装为系统错误
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return NewSystemError(ErrCodeInternalServer, "Internal server error").WithCause(err)
}
