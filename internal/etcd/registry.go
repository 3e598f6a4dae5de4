package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/config"
)

// ServiceInfo 注册到etcd的服务信息
type ServiceInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    string `json:"port"`
	Env     string `json:"env"`
}

// Registry 基于租约的etcd服务注册
type Registry struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID
	key     string
	enabled bool
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewRegistry 创建etcd注册器，未启用时返回空操作实例
func NewRegistry(cfg config.EtcdConfig, logger *zap.Logger) (*Registry, error) {
	if !cfg.Enabled {
		return &Registry{enabled: false, logger: logger}, nil
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("创建etcd客户端失败: %w", err)
	}

	return &Registry{
		client:  client,
		key:     fmt.Sprintf("/services/%s/%s", cfg.ServiceName, cfg.ServiceID),
		enabled: true,
		logger:  logger,
	}, nil
}

// Register 注册服务并通过租约保活
func (r *Registry) Register(ctx context.Context, info ServiceInfo, ttl int64) error {
	if !r.enabled {
		r.logger.Info("etcd未启用，跳过服务注册")
		return nil
	}
	if ttl <= 0 {
		ttl = 15
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd租约创建失败: %w", err)
	}
	r.leaseID = lease.ID

	value, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("序列化服务信息失败: %w", err)
	}

	_, err = r.client.Put(ctx, r.key, string(value), clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("etcd服务注册失败: %w", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	keepAlive, err := r.client.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("etcd租约保活失败: %w", err)
	}

	go func() {
		for range keepAlive {
			// 消费保活响应，通道关闭即退出
		}
		r.logger.Warn("etcd租约保活通道已关闭", zap.String("key", r.key))
	}()

	r.logger.Info("服务已注册到etcd",
		zap.String("key", r.key),
		zap.Int64("lease_ttl", ttl))
	return nil
}

// Deregister 注销服务并释放租约
func (r *Registry) Deregister(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}

	if _, err := r.client.Delete(ctx, r.key); err != nil {
		return fmt.Errorf("etcd服务注销失败: %w", err)
	}
	if r.leaseID != 0 {
		if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
			r.logger.Warn("etcd租约释放失败", zap.Error(err))
		}
	}

	r.logger.Info("服务已从etcd注销", zap.String("key", r.key))
	return nil
}

// Discover 查询某服务的全部实例
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]ServiceInfo, error) {
	if !r.enabled {
		return nil, fmt.Errorf("etcd未启用")
	}

	resp, err := r.client.Get(ctx, fmt.Sprintf("/services/%s/", serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd服务发现失败: %w", err)
	}

	services := make([]ServiceInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var info ServiceInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			r.logger.Warn("解析服务信息失败", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		services = append(services, info)
	}
	return services, nil
}

// Close 关闭etcd连接
func (r *Registry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
