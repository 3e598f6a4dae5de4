package consul

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/config"
)

// OverlayConfigFromConsul overlays select configuration values from Consul KV
// onto an already-loaded config. Keys absent in Consul keep their current value.
func OverlayConfigFromConsul(client *Client, prefix string, cfg *config.Config, logger *zap.Logger) error {
	if !client.IsEnabled() {
		return fmt.Errorf("Consul is not enabled")
	}

	cfg.Server.Port = client.GetKVWithDefault(prefix+"/server/port", cfg.Server.Port)
	cfg.Server.Env = client.GetKVWithDefault(prefix+"/server/env", cfg.Server.Env)

	cfg.Database.URL = client.GetKVWithDefault(prefix+"/database/url", cfg.Database.URL)

	cfg.Redis.Host = client.GetKVWithDefault(prefix+"/redis/host", cfg.Redis.Host)
	cfg.Redis.Port = client.GetKVWithDefault(prefix+"/redis/port", cfg.Redis.Port)
	if dbStr := client.GetKVWithDefault(prefix+"/redis/db", strconv.Itoa(cfg.Redis.DB)); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.Redis.DB = db
		}
	}

	cfg.Vector.Address = client.GetKVWithDefault(prefix+"/vector/address", cfg.Vector.Address)
	if poolStr := client.GetKVWithDefault(prefix+"/vector/pool_size", strconv.Itoa(cfg.Vector.PoolSize)); poolStr != "" {
		if pool, err := strconv.Atoi(poolStr); err == nil && pool > 0 {
			cfg.Vector.PoolSize = pool
		}
	}

	// 嵌入配置由Consul下发时DetectDrift会感知变化
	cfg.Embedding.Provider = client.GetKVWithDefault(prefix+"/embedding/provider", cfg.Embedding.Provider)
	cfg.Embedding.Model = client.GetKVWithDefault(prefix+"/embedding/model", cfg.Embedding.Model)
	if dimStr := client.GetKVWithDefault(prefix+"/embedding/dimension", strconv.Itoa(cfg.Embedding.Dimension)); dimStr != "" {
		if dim, err := strconv.Atoi(dimStr); err == nil && dim > 0 {
			cfg.Embedding.Dimension = dim
		}
	}

	if enabledStr := client.GetKVWithDefault(prefix+"/kafka/enabled", ""); enabledStr != "" {
		cfg.Kafka.Enabled = enabledStr == "true"
	}
	if brokersStr := client.GetKVWithDefault(prefix+"/kafka/brokers", ""); brokersStr != "" {
		cfg.Kafka.Brokers = strings.Split(brokersStr, ",")
	}
	cfg.Kafka.Topic = client.GetKVWithDefault(prefix+"/kafka/topic", cfg.Kafka.Topic)

	logger.Info("Configuration overlaid from Consul KV", zap.String("prefix", prefix))
	return nil
}

// WatchEmbeddingConfig watches the embedding KV subtree and invokes the
// callback with the updated embedding config on change.
func WatchEmbeddingConfig(client *Client, prefix string, base config.EmbeddingConfig, onChange func(config.EmbeddingConfig)) {
	if !client.IsEnabled() {
		return
	}

	go func() {
		_ = client.WatchKV(prefix+"/embedding/model", func(model string) error {
			updated := base
			updated.Model = model
			if dimStr, err := client.GetKV(prefix + "/embedding/dimension"); err == nil {
				if dim, convErr := strconv.Atoi(dimStr); convErr == nil && dim > 0 {
					updated.Dimension = dim
				}
			}
			onChange(updated)
			return nil
		})
	}()
}
