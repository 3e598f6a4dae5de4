package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	apperrors "github.com/aihub/ragcore/internal/errors"
)

// memoryIndex 进程内向量索引，供开发环境与测试使用
type memoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	points    map[int64]Point
}

// NewMemoryIndex 创建内存向量索引
func NewMemoryIndex() Index {
	return &memoryIndex{
		collections: make(map[string]*memoryCollection),
	}
}

func (m *memoryIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[name]; exists {
		return fmt.Errorf("collection %s already exists", name)
	}
	m.collections[name] = &memoryCollection{
		dimension: dimension,
		points:    make(map[int64]Point),
	}
	return nil
}

func (m *memoryIndex) DescribeCollection(ctx context.Context, name string) (CollectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, exists := m.collections[name]
	if !exists {
		return CollectionStats{}, nil
	}
	return CollectionStats{
		Exists:    true,
		Dimension: coll.dimension,
		RowCount:  int64(len(coll.points)),
	}, nil
}

func (m *memoryIndex) DropCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *memoryIndex) Upsert(ctx context.Context, name string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, exists := m.collections[name]
	if !exists {
		return apperrors.NewBusinessError(apperrors.ErrCodeCollectionNotFound,
			fmt.Sprintf("collection %s not found", name))
	}

	for _, p := range points {
		if len(p.Vector) != coll.dimension {
			return apperrors.NewBusinessError(apperrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("vector dimension %d does not match collection dimension %d", len(p.Vector), coll.dimension))
		}
		coll.points[p.ID] = p
	}
	return nil
}

func (m *memoryIndex) DeleteByIDs(ctx context.Context, name string, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, exists := m.collections[name]
	if !exists {
		return nil
	}
	for _, id := range ids {
		delete(coll.points, id)
	}
	return nil
}

func (m *memoryIndex) ListIDs(ctx context.Context, name string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, exists := m.collections[name]
	if !exists {
		return nil, nil
	}

	ids := make([]int64, 0, len(coll.points))
	for id := range coll.points {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryIndex) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, exists := m.collections[req.Collection]
	if !exists {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeCollectionNotFound,
			fmt.Sprintf("collection %s not found", req.Collection))
	}
	if req.TopK == 0 {
		req.TopK = 10
	}

	matches := make([]Match, 0, len(coll.points))
	for _, p := range coll.points {
		score := cosineSimilarity(req.Vector, p.Vector)
		if req.Threshold > 0 && score < req.Threshold {
			continue
		}
		matches = append(matches, Match{
			ID:         p.ID,
			DocumentID: p.DocumentID,
			Content:    p.Content,
			Score:      score,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}
	return matches, nil
}

func (m *memoryIndex) Compact(ctx context.Context, name string) (int64, int64, error) {
	stats, err := m.DescribeCollection(ctx, name)
	if err != nil {
		return 0, 0, err
	}
	// 内存实现无需压缩
	return stats.RowCount, stats.RowCount, nil
}

func (m *memoryIndex) Ready(ctx context.Context) bool {
	return true
}

func (m *memoryIndex) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
