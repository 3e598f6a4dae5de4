package vector

import "context"

// Point 向量索引中的一个点，ID与元数据存储的chunk_id一致
type Point struct {
	ID              int64
	DocumentID      int64
	KnowledgeBaseID int64
	Content         string
	Vector          []float32
}

// Match 相似度检索结果
type Match struct {
	ID         int64
	DocumentID int64
	Content    string
	Score      float64
}

// CollectionStats 集合状态快照
type CollectionStats struct {
	Exists    bool
	Dimension int
	RowCount  int64
}

// SearchRequest 相似度检索请求
type SearchRequest struct {
	Collection string
	Vector     []float32
	TopK       int
	Threshold  float64 // 仅返回 >= Threshold 的结果
}

// Index 向量索引抽象，按租户集合隔离
// 所有实现的调用都必须在调用方给定的ctx超时内完成
type Index interface {
	// CreateCollection 以指定维度创建集合
	CreateCollection(ctx context.Context, name string, dimension int) error
	// DescribeCollection 返回存在性、维度与点数
	DescribeCollection(ctx context.Context, name string) (CollectionStats, error)
	// DropCollection 删除集合，集合不存在时不报错
	DropCollection(ctx context.Context, name string) error
	// Upsert 批量写入点
	Upsert(ctx context.Context, name string, points []Point) error
	// DeleteByIDs 按ID删除点
	DeleteByIDs(ctx context.Context, name string, ids []int64) error
	// ListIDs 列出集合内全部点ID，供对账使用
	ListIDs(ctx context.Context, name string) ([]int64, error)
	// Search 相似度检索
	Search(ctx context.Context, req SearchRequest) ([]Match, error)
	// Compact 触发索引压缩，返回压缩前后的点数
	Compact(ctx context.Context, name string) (before int64, after int64, err error)
	// Ready 连通性探测
	Ready(ctx context.Context) bool
	// Close 释放底层连接
	Close() error
}
