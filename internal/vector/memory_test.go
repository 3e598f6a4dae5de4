package vector

import (
	"context"
	"testing"

	apperrors "github.com/aihub/ragcore/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	stats, err := idx.DescribeCollection(ctx, "kb_1")
	require.NoError(t, err)
	assert.False(t, stats.Exists)

	require.NoError(t, idx.CreateCollection(ctx, "kb_1", 4))
	assert.Error(t, idx.CreateCollection(ctx, "kb_1", 4))

	stats, err = idx.DescribeCollection(ctx, "kb_1")
	require.NoError(t, err)
	assert.True(t, stats.Exists)
	assert.Equal(t, 4, stats.Dimension)
	assert.Equal(t, int64(0), stats.RowCount)

	require.NoError(t, idx.DropCollection(ctx, "kb_1"))
	// 删除不存在的集合不报错
	require.NoError(t, idx.DropCollection(ctx, "kb_1"))
}

func TestMemoryIndexUpsertDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "kb_1", 4))

	err := idx.Upsert(ctx, "kb_1", []Point{{ID: 1, Vector: []float32{1, 0}}})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeDimensionMismatch, appErr.Code)
}

func TestMemoryIndexUpsertToMissingCollection(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	err := idx.Upsert(ctx, "kb_404", []Point{{ID: 1, Vector: []float32{1}}})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeCollectionNotFound, appErr.Code)
}

func TestMemoryIndexSearchOrderingAndThreshold(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "kb_1", 2))

	require.NoError(t, idx.Upsert(ctx, "kb_1", []Point{
		{ID: 1, DocumentID: 10, Vector: []float32{1, 0}},
		{ID: 2, DocumentID: 10, Vector: []float32{1, 1}},
		{ID: 3, DocumentID: 11, Vector: []float32{0, 1}},
	}))

	matches, err := idx.Search(ctx, SearchRequest{
		Collection: "kb_1",
		Vector:     []float32{1, 0},
		TopK:       10,
	})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	// 按相似度降序
	assert.Equal(t, int64(1), matches[0].ID)
	assert.Equal(t, int64(2), matches[1].ID)

	// 阈值过滤掉正交向量
	matches, err = idx.Search(ctx, SearchRequest{
		Collection: "kb_1",
		Vector:     []float32{1, 0},
		TopK:       10,
		Threshold:  0.5,
	})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// TopK截断
	matches, err = idx.Search(ctx, SearchRequest{
		Collection: "kb_1",
		Vector:     []float32{1, 0},
		TopK:       1,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, int64(1), matches[0].ID)
}

func TestMemoryIndexDeleteAndList(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.CreateCollection(ctx, "kb_1", 1))
	require.NoError(t, idx.Upsert(ctx, "kb_1", []Point{
		{ID: 3, Vector: []float32{1}},
		{ID: 1, Vector: []float32{1}},
		{ID: 2, Vector: []float32{1}},
	}))

	ids, err := idx.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	require.NoError(t, idx.DeleteByIDs(ctx, "kb_1", []int64{2, 99}))
	ids, err = idx.ListIDs(ctx, "kb_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
}
