package chunks

import (
	"context"
	"fmt"

	"github.com/aihub/ragcore/internal/models"
)

// TenantStats 租户块存储统计
type TenantStats struct {
	ChunkCount      int64   `json:"chunk_count"`
	TotalSize       int64   `json:"total_size"`
	AverageSize     float64 `json:"average_size"`
	DuplicateGroups int64   `json:"duplicate_groups"`
	EfficiencyScore float64 `json:"efficiency_score"` // 去重后的存储效率，1.0为无冗余
}

// Stats 统计租户的块数量、大小与重复组
func (c *Coordinator) Stats(ctx context.Context, kbID uint) (TenantStats, error) {
	var stats TenantStats

	type sizeRow struct {
		Count     int64
		TotalSize int64
	}
	var row sizeRow
	err := c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Select("COUNT(*) AS count, COALESCE(SUM(LENGTH(content)), 0) AS total_size").
		Where("knowledge_base_id = ?", kbID).
		Scan(&row).Error
	if err != nil {
		return stats, fmt.Errorf("块统计查询失败: %w", err)
	}
	stats.ChunkCount = row.Count
	stats.TotalSize = row.TotalSize
	if row.Count > 0 {
		stats.AverageSize = float64(row.TotalSize) / float64(row.Count)
	}

	// 同一内容哈希出现多次即为一个重复组
	var dupGroups int64
	err = c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Select("content_hash").
		Where("knowledge_base_id = ?", kbID).
		Group("content_hash").
		Having("COUNT(*) > 1").
		Count(&dupGroups).Error
	if err != nil {
		return stats, fmt.Errorf("重复组查询失败: %w", err)
	}
	stats.DuplicateGroups = dupGroups

	var distinct int64
	err = c.db.WithContext(ctx).Model(&models.KnowledgeChunk{}).
		Where("knowledge_base_id = ?", kbID).
		Distinct("content_hash").
		Count(&distinct).Error
	if err != nil {
		return stats, fmt.Errorf("去重计数查询失败: %w", err)
	}
	if stats.ChunkCount > 0 {
		stats.EfficiencyScore = float64(distinct) / float64(stats.ChunkCount)
	}
	return stats, nil
}
