package database

import (
	"database/sql"
	"fmt"

	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseWrapper 数据库包装器，实现DatabaseInterface
type DatabaseWrapper struct {
	db            *gorm.DB
	sqlDB         *sql.DB
	config        *config.Config
	healthChecker *HealthChecker
	metrics       *MetricsCollector
}

// NewDatabase 创建新的数据库实例
func NewDatabase(cfg *config.Config) (interfaces.DatabaseInterface, error) {
	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 连接池参数来自配置，启动前已通过校验
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	// 健康检查器与指标收集器沿用logrus输出
	logrusLogger := logrus.New()
	logrusLogger.SetLevel(logrus.InfoLevel)

	wrapper := &DatabaseWrapper{
		db:            db,
		sqlDB:         sqlDB,
		config:        cfg,
		healthChecker: NewHealthChecker(sqlDB, logrusLogger),
		metrics:       NewMetricsCollector(sqlDB, logrusLogger),
	}

	return wrapper, nil
}

// GetDB 获取数据库连接
func (d *DatabaseWrapper) GetDB() *gorm.DB {
	return d.db
}

// GetHealthChecker 获取健康检查器
func (d *DatabaseWrapper) GetHealthChecker() *HealthChecker {
	return d.healthChecker
}

// GetMetrics 获取指标收集器
func (d *DatabaseWrapper) GetMetrics() *MetricsCollector {
	return d.metrics
}

// Close 关闭数据库连接
func (d *DatabaseWrapper) Close() error {
	if d.healthChecker != nil {
		d.healthChecker.Stop()
	}
	if d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// HealthCheck 健康检查
func (d *DatabaseWrapper) HealthCheck() error {
	if d.healthChecker != nil && d.healthChecker.IsHealthy() {
		return nil
	}
	// 健康检查器不可用或不健康时直接ping
	return d.sqlDB.Ping()
}
