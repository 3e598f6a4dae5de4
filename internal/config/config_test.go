package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	require.NoError(t, LoadConfig())
	cfg := GetAppConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, "8001", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Env)

	assert.Equal(t, "milvus", cfg.Vector.Provider)
	assert.Equal(t, "bot_vectors", cfg.Vector.CollectionPrefix)
	assert.Equal(t, "COSINE", cfg.Vector.Distance)
	assert.Equal(t, 4, cfg.Vector.PoolSize)
	assert.Equal(t, 15*time.Second, cfg.Vector.CallTimeout)

	assert.Equal(t, "openai", cfg.Embedding.Provider)
	assert.Equal(t, "text-embedding-3-small", cfg.Embedding.Model)
	assert.Equal(t, 1536, cfg.Embedding.Dimension)

	assert.Equal(t, 256, cfg.Queue.Capacity)
	assert.Equal(t, 16, cfg.Queue.MaxConcurrency)

	assert.Equal(t, 5, cfg.Recovery.FailureThreshold)
	assert.Equal(t, 3, cfg.Recovery.SuccessThreshold)
	assert.Equal(t, time.Minute, cfg.Recovery.CooldownPeriod)

	assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	assert.Equal(t, 500, cfg.Maintenance.DiagnosticsCap)

	// 可选外围组件默认关闭
	assert.False(t, cfg.Kafka.Enabled)
	assert.False(t, cfg.Consul.Enabled)
	assert.False(t, cfg.Etcd.Enabled)
	assert.False(t, cfg.Search.Enabled)
	assert.False(t, cfg.Archive.Enabled)
}

func validTestConfig() *Config {
	return &Config{
		Database:  DatabaseConfig{URL: "postgresql://localhost/test"},
		Vector:    VectorConfig{Provider: "memory", PoolSize: 2},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimension: 1536},
		Queue:     QueueConfig{Capacity: 10, MaxConcurrency: 2},
	}
}

func TestValidateConfig(t *testing.T) {
	require.NoError(t, validateConfig(validTestConfig()))
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database url", func(c *Config) { c.Database.URL = "" }},
		{"unknown vector provider", func(c *Config) { c.Vector.Provider = "qdrant" }},
		{"missing embedding model", func(c *Config) { c.Embedding.Model = "" }},
		{"zero embedding dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"zero queue capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"zero queue concurrency", func(c *Config) { c.Queue.MaxConcurrency = 0 }},
		{"zero vector pool size", func(c *Config) { c.Vector.PoolSize = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}
