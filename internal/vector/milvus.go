package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aihub/ragcore/internal/logger"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"
)

// MilvusOptions Milvus索引配置
type MilvusOptions struct {
	Address        string
	Username       string
	Password       string
	Database       string
	Distance       string
	UseTLS         bool
	PoolSize       int
	AcquireTimeout time.Duration
	CallTimeout    time.Duration
}

type milvusIndex struct {
	pool        *Pool
	distance    string
	callTimeout time.Duration
}

// NewMilvusIndex 创建Milvus向量索引
func NewMilvusIndex(opts MilvusOptions) (Index, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 4
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 15 * time.Second
	}

	pool, err := NewPool(PoolOptions{
		Address:        opts.Address,
		Username:       opts.Username,
		Password:       opts.Password,
		Database:       opts.Database,
		UseTLS:         opts.UseTLS,
		Size:           opts.PoolSize,
		AcquireTimeout: opts.AcquireTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &milvusIndex{
		pool:        pool,
		distance:    formatMilvusDistance(opts.Distance),
		callTimeout: opts.CallTimeout,
	}, nil
}

func formatMilvusDistance(value string) string {
	switch strings.ToUpper(value) {
	case "DOT", "IP", "INNER_PRODUCT":
		return "IP"
	case "L2", "EUCLIDEAN":
		return "L2"
	default:
		return "COSINE"
	}
}

// withConn 租借连接执行调用，失败时标记连接待检
func (s *milvusIndex) withConn(ctx context.Context, fn func(ctx context.Context, c client.Client) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(conn)

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	if err := fn(callCtx, conn.Client()); err != nil {
		// 上下文超时或连接级错误时废弃连接，避免回收损坏连接
		if callCtx.Err() != nil {
			conn.MarkBroken()
		}
		return err
	}
	return nil
}

func (s *milvusIndex) CreateCollection(ctx context.Context, name string, dimension int) error {
	return s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		schema := &entity.Schema{
			CollectionName: name,
			Description:    fmt.Sprintf("Tenant vectors at dimension %d", dimension),
			Fields: []*entity.Field{
				{
					Name:       "id",
					DataType:   entity.FieldTypeInt64,
					PrimaryKey: true,
					AutoID:     false,
				},
				{
					Name:     "document_id",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:     "knowledge_base_id",
					DataType: entity.FieldTypeInt64,
				},
				{
					Name:     "content",
					DataType: entity.FieldTypeVarChar,
					TypeParams: map[string]string{
						"max_length": "65535",
					},
				},
				{
					Name:     "vector",
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": strconv.Itoa(dimension),
					},
				},
			},
		}

		if err := c.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		// 根据距离类型创建HNSW索引，失败时退化为IVF_FLAT
		var index entity.Index
		index, indexErr := entity.NewIndexHNSW(entity.MetricType(s.distance), 8, 64)
		if indexErr != nil {
			index, indexErr = entity.NewIndexIvfFlat(entity.MetricType(s.distance), 128)
			if indexErr != nil {
				return fmt.Errorf("failed to create index: %w", indexErr)
			}
		}

		if err := c.CreateIndex(ctx, name, "vector", index, false); err != nil {
			// 索引创建失败不影响使用，只记录警告
			logger.Warn("failed to create vector index",
				zap.String("collection", name), zap.Error(err))
		}

		if err := c.LoadCollection(ctx, name, false); err != nil {
			logger.Warn("failed to load collection after create",
				zap.String("collection", name), zap.Error(err))
		}

		return nil
	})
}

func (s *milvusIndex) DescribeCollection(ctx context.Context, name string) (CollectionStats, error) {
	var stats CollectionStats

	err := s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		has, err := c.HasCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection: %w", err)
		}
		if !has {
			return nil
		}
		stats.Exists = true

		coll, err := c.DescribeCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to describe collection: %w", err)
		}
		if coll.Schema != nil {
			for _, field := range coll.Schema.Fields {
				if field.Name != "vector" {
					continue
				}
				if dim, ok := field.TypeParams["dim"]; ok {
					stats.Dimension, _ = strconv.Atoi(dim)
				}
			}
		}

		raw, err := c.GetCollectionStatistics(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to get collection statistics: %w", err)
		}
		if count, ok := raw["row_count"]; ok {
			stats.RowCount, _ = strconv.ParseInt(count, 10, 64)
		}
		return nil
	})

	return stats, err
}

func (s *milvusIndex) DropCollection(ctx context.Context, name string) error {
	return s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		has, err := c.HasCollection(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to check collection: %w", err)
		}
		if !has {
			return nil
		}
		if err := c.DropCollection(ctx, name); err != nil {
			return fmt.Errorf("failed to drop collection: %w", err)
		}
		return nil
	})
}

func (s *milvusIndex) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	return s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		ids := make([]int64, 0, len(points))
		documentIDs := make([]int64, 0, len(points))
		tenantIDs := make([]int64, 0, len(points))
		contents := make([]string, 0, len(points))
		vectors := make([][]float32, 0, len(points))

		dim := len(points[0].Vector)
		for _, p := range points {
			ids = append(ids, p.ID)
			documentIDs = append(documentIDs, p.DocumentID)
			tenantIDs = append(tenantIDs, p.KnowledgeBaseID)
			contents = append(contents, p.Content)
			vectors = append(vectors, p.Vector)
		}

		_, err := c.Insert(ctx, name, "",
			entity.NewColumnInt64("id", ids),
			entity.NewColumnInt64("document_id", documentIDs),
			entity.NewColumnInt64("knowledge_base_id", tenantIDs),
			entity.NewColumnVarChar("content", contents),
			entity.NewColumnFloatVector("vector", dim, vectors),
		)
		if err != nil {
			return fmt.Errorf("milvus insert failed: %w", err)
		}

		if err := c.Flush(ctx, name, false); err != nil {
			// 刷新失败不影响插入，只记录警告
			logger.Warn("failed to flush collection",
				zap.String("collection", name), zap.Error(err))
		}
		return nil
	})
}

func (s *milvusIndex) DeleteByIDs(ctx context.Context, name string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		parts := make([]string, 0, len(ids))
		for _, id := range ids {
			parts = append(parts, strconv.FormatInt(id, 10))
		}
		expr := fmt.Sprintf("id in [%s]", strings.Join(parts, ","))

		if err := c.Delete(ctx, name, "", expr); err != nil {
			return fmt.Errorf("milvus delete failed: %w", err)
		}

		if err := c.Flush(ctx, name, false); err != nil {
			logger.Warn("failed to flush after delete",
				zap.String("collection", name), zap.Error(err))
		}
		return nil
	})
}

func (s *milvusIndex) ListIDs(ctx context.Context, name string) ([]int64, error) {
	var ids []int64

	err := s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		if err := c.LoadCollection(ctx, name, false); err != nil {
			return fmt.Errorf("failed to load collection: %w", err)
		}

		resultSet, err := c.Query(ctx, name, nil, "id >= 0", []string{"id"})
		if err != nil {
			return fmt.Errorf("milvus query failed: %w", err)
		}

		for _, column := range resultSet {
			if column.Name() != "id" {
				continue
			}
			if idCol, ok := column.(*entity.ColumnInt64); ok {
				ids = append(ids, idCol.Data()...)
			}
		}
		return nil
	})

	return ids, err
}

func (s *milvusIndex) Search(ctx context.Context, req SearchRequest) ([]Match, error) {
	if len(req.Vector) == 0 {
		return nil, nil
	}
	if req.TopK == 0 {
		req.TopK = 10
	}

	var matches []Match

	err := s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		sp, _ := entity.NewIndexHNSWSearchParam(64)
		queryVector := entity.FloatVector(req.Vector)

		searchResults, err := c.Search(
			ctx,
			req.Collection,
			[]string{},
			"",
			[]string{"document_id", "content"},
			[]entity.Vector{queryVector},
			"vector",
			entity.MetricType(s.distance),
			req.TopK,
			sp,
		)
		if err != nil {
			return fmt.Errorf("milvus search failed: %w", err)
		}

		if len(searchResults) == 0 {
			return nil
		}
		result := searchResults[0]
		if result.Err != nil {
			return fmt.Errorf("milvus search error: %w", result.Err)
		}
		if result.ResultCount == 0 {
			return nil
		}

		var ids []int64
		if idCol, ok := result.IDs.(*entity.ColumnInt64); ok {
			ids = idCol.Data()
		}

		var documentIDs []int64
		var contents []string
		for _, field := range result.Fields {
			switch field.Name() {
			case "document_id":
				if col, ok := field.(*entity.ColumnInt64); ok {
					documentIDs = col.Data()
				}
			case "content":
				if col, ok := field.(*entity.ColumnVarChar); ok {
					contents = col.Data()
				}
			}
		}

		for i := 0; i < result.ResultCount; i++ {
			match := Match{}
			if i < len(ids) {
				match.ID = ids[i]
			}
			if i < len(documentIDs) {
				match.DocumentID = documentIDs[i]
			}
			if i < len(contents) {
				match.Content = contents[i]
			}
			if i < len(result.Scores) {
				match.Score = float64(result.Scores[i])
			}

			if req.Threshold > 0 && match.Score < req.Threshold {
				continue
			}
			matches = append(matches, match)
		}
		return nil
	})

	return matches, err
}

func (s *milvusIndex) Compact(ctx context.Context, name string) (int64, int64, error) {
	before, err := s.DescribeCollection(ctx, name)
	if err != nil {
		return 0, 0, err
	}

	err = s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		compactionID, err := c.ManualCompaction(ctx, name, 0)
		if err != nil {
			return fmt.Errorf("milvus compaction failed: %w", err)
		}

		logger.Info("collection compaction started",
			zap.String("collection", name), zap.Int64("compaction_id", compactionID))
		return nil
	})
	if err != nil {
		return before.RowCount, 0, err
	}

	after, err := s.DescribeCollection(ctx, name)
	if err != nil {
		return before.RowCount, 0, err
	}

	return before.RowCount, after.RowCount, nil
}

func (s *milvusIndex) Ready(ctx context.Context) bool {
	err := s.withConn(ctx, func(ctx context.Context, c client.Client) error {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := c.ListCollections(probeCtx)
		return err
	})
	return err == nil
}

func (s *milvusIndex) Close() error {
	return s.pool.Close()
}
