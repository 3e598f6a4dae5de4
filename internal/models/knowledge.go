package models

import "time"

// KnowledgeBase 知识库（租户），每个租户独占一个向量集合
type KnowledgeBase struct {
	KnowledgeBaseID uint      `gorm:"primaryKey;column:knowledge_base_id" json:"knowledge_base_id"`
	Name            string    `gorm:"size:200;not null" json:"name"`
	Description     string    `gorm:"type:text" json:"description"`
	EmbeddingConfig string    `gorm:"type:json;column:embedding_config" json:"embedding_config"`
	Status          string    `gorm:"size:20;default:active" json:"status"`
	CreateTime      time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdateTime      time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`

	// 关系
	Documents []KnowledgeDocument `gorm:"foreignKey:KnowledgeBaseID"`
}

func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// KnowledgeDocument 知识库文档
type KnowledgeDocument struct {
	DocumentID      uint      `gorm:"primaryKey;column:document_id" json:"document_id"`
	KnowledgeBaseID uint      `gorm:"column:knowledge_base_id;not null;index" json:"knowledge_base_id"`
	Title           string    `gorm:"size:200;not null" json:"title"`
	Source          string    `gorm:"size:20" json:"source"`
	Metadata        string    `gorm:"type:json" json:"metadata"`
	Status          string    `gorm:"size:20;default:processing" json:"status"`
	ChunkCount      int       `gorm:"column:chunk_count;default:0" json:"chunk_count"`
	CreateTime      time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
	UpdateTime      time.Time `gorm:"column:update_time;autoUpdateTime" json:"update_time"`

	// 关系
	Chunks []KnowledgeChunk `gorm:"foreignKey:DocumentID"`
}

func (KnowledgeDocument) TableName() string {
	return "knowledge_documents"
}

// KnowledgeChunk 知识块
// VectorID 非空当且仅当向量索引中存在同ID的点，违反即为孤儿记录，由对账修复
type KnowledgeChunk struct {
	ChunkID         uint      `gorm:"primaryKey;column:chunk_id" json:"chunk_id"`
	DocumentID      uint      `gorm:"column:document_id;not null;index" json:"document_id"`
	KnowledgeBaseID uint      `gorm:"column:knowledge_base_id;not null;index" json:"knowledge_base_id"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	ContentHash     string    `gorm:"size:64;not null;index:idx_chunk_tenant_hash" json:"content_hash"`
	VectorID        string    `gorm:"size:255;column:vector_id" json:"vector_id"`
	ChunkIndex      int       `gorm:"not null" json:"chunk_index"`
	Metadata        string    `gorm:"type:json" json:"metadata"`
	CreateTime      time.Time `gorm:"column:create_time;autoCreateTime" json:"create_time"`
}

func (KnowledgeChunk) TableName() string {
	return "knowledge_chunks"
}
