package interfaces

import (
	"context"

	"gorm.io/gorm"
)

// DatabaseInterface 数据库接口
type DatabaseInterface interface {
	GetDB() *gorm.DB
	Close() error
	HealthCheck() error
}

// ConfigInterface 配置接口
type ConfigInterface interface {
	GetConfig() interface{}
	Reload() error
}

// LoggerInterface 日志接口 (匹配zap.Logger)
type LoggerInterface interface {
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Debug(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	With(fields ...interface{}) LoggerInterface
	WithError(err error) LoggerInterface
	Fatal(msg string, fields ...interface{})
}

// EventPublisher 事件发布接口（恢复事件、维护事件、对账事件）
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
	Close() error
}

// NoopEventPublisher 未启用事件总线时的占位实现
type NoopEventPublisher struct{}

func (n *NoopEventPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	return nil
}

func (n *NoopEventPublisher) Close() error {
	return nil
}

// MetricsInterface 监控指标接口
type MetricsInterface interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}
