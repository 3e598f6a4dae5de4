package knowledge

import (
	"context"
	"time"
)

// FulltextChunk 提供索引用的分块结构
type FulltextChunk struct {
	ChunkID         uint
	DocumentID      uint
	KnowledgeBaseID uint
	Content         string
	ChunkIndex      int
	CreatedAt       time.Time
}

// FulltextSearchRequest 全文搜索请求
type FulltextSearchRequest struct {
	KnowledgeBaseID uint
	Query           string
	Limit           int
}

// FulltextMatch 全文搜索结果
type FulltextMatch struct {
	ChunkID    uint
	DocumentID uint
	Content    string
	Score      float64
}

// FulltextIndexer 全文索引接口，用于管理面的关键词检索
type FulltextIndexer interface {
	IndexChunks(ctx context.Context, chunks []FulltextChunk) error
	RemoveChunks(ctx context.Context, knowledgeBaseID uint, chunkIDs []uint) error
	Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error)
	Ready() bool
}

// NoopFulltextIndexer 未启用全文索引时的占位实现
type NoopFulltextIndexer struct{}

func (n *NoopFulltextIndexer) IndexChunks(ctx context.Context, chunks []FulltextChunk) error {
	return nil
}

func (n *NoopFulltextIndexer) RemoveChunks(ctx context.Context, knowledgeBaseID uint, chunkIDs []uint) error {
	return nil
}

func (n *NoopFulltextIndexer) Search(ctx context.Context, req FulltextSearchRequest) ([]FulltextMatch, error) {
	return nil, nil
}

func (n *NoopFulltextIndexer) Ready() bool {
	return true
}
