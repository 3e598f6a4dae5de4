package database

import (
	"fmt"
	"log"

	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// InitDB 初始化数据库连接并迁移核心表
func InitDB() (*gorm.DB, error) {
	cfg := config.AppConfig
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层的sql.DB设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.Database.ConnMaxIdleTime)

	// 自动迁移核心表
	if err := autoMigrate(db); err != nil {
		log.Printf("⚠️  Database migration warning: %v", err)
	}

	DB = db
	log.Println("✅ Database connected successfully")
	return db, nil
}

// autoMigrate 自动迁移核心表（按依赖顺序）
func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.KnowledgeBase{}); err != nil {
		return fmt.Errorf("failed to migrate knowledge_bases: %w", err)
	}
	if err := db.AutoMigrate(&models.KnowledgeDocument{}); err != nil {
		return fmt.Errorf("failed to migrate knowledge_documents: %w", err)
	}
	if err := db.AutoMigrate(&models.KnowledgeChunk{}); err != nil {
		return fmt.Errorf("failed to migrate knowledge_chunks: %w", err)
	}
	return nil
}

// CloseDB 关闭数据库连接
func CloseDB() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
