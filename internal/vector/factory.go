package vector

import (
	"fmt"

	"github.com/aihub/ragcore/internal/config"
)

// NewIndexFromConfig 根据配置创建向量索引
func NewIndexFromConfig(cfg config.VectorConfig) (Index, error) {
	switch cfg.Provider {
	case "milvus":
		return NewMilvusIndex(MilvusOptions{
			Address:        cfg.Address,
			Username:       cfg.Username,
			Password:       cfg.Password,
			Database:       cfg.Database,
			Distance:       cfg.Distance,
			UseTLS:         cfg.TLS,
			PoolSize:       cfg.PoolSize,
			AcquireTimeout: cfg.AcquireTimeout,
			CallTimeout:    cfg.CallTimeout,
		})
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown vector provider: %s", cfg.Provider)
	}
}

// CollectionName 租户集合命名：<prefix>_<tenant_id>
func CollectionName(prefix string, tenantID uint) string {
	return fmt.Sprintf("%s_%d", prefix, tenantID)
}

// MigrationCollectionName 迁移期间并行集合命名
func MigrationCollectionName(prefix string, tenantID uint, dimension int) string {
	return fmt.Sprintf("%s_%d_dim%d", prefix, tenantID, dimension)
}
