package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/models"
)

// ArchiveStore 文档批次归档存储
// 将每次成功入库的块批次以JSON快照形式写入对象存储，供审计与回放
type ArchiveStore struct {
	client *minio.Client
	bucket string
}

// NewArchiveStore 创建归档存储，未启用时返回nil
func NewArchiveStore(cfg config.ArchiveConfig) (*ArchiveStore, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("检查归档bucket失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建归档bucket失败: %w", err)
		}
	}

	logger.Info("归档存储初始化成功",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("bucket", cfg.Bucket))
	return &ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

// batchSnapshot 归档对象内容
type batchSnapshot struct {
	KnowledgeBaseID uint                   `json:"kb_id"`
	DocumentID      uint                   `json:"document_id"`
	ArchivedAt      time.Time              `json:"archived_at"`
	Chunks          []models.KnowledgeChunk `json:"chunks"`
}

// ArchiveBatch 归档一个块批次
// 实现chunks.Archiver
func (s *ArchiveStore) ArchiveBatch(ctx context.Context, kbID, documentID uint, chunks []models.KnowledgeChunk) error {
	if s == nil || len(chunks) == 0 {
		return nil
	}

	snapshot := batchSnapshot{
		KnowledgeBaseID: kbID,
		DocumentID:      documentID,
		ArchivedAt:      time.Now(),
		Chunks:          chunks,
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化归档批次失败: %w", err)
	}

	objectName := fmt.Sprintf("kb_%d/doc_%d/%d.json", kbID, documentID, time.Now().UnixNano())
	_, err = s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("写入归档对象失败: %w", err)
	}

	logger.Debug("块批次归档成功",
		zap.Uint("kb_id", kbID),
		zap.Uint("document_id", documentID),
		zap.String("object", objectName),
		zap.Int("chunks", len(chunks)))
	return nil
}
