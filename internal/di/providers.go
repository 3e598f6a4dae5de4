package di

import (
	"fmt"

	"github.com/aihub/ragcore/internal/chunks"
	"github.com/aihub/ragcore/internal/collection"
	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/database"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/aihub/ragcore/internal/kafka"
	"github.com/aihub/ragcore/internal/knowledge"
	"github.com/aihub/ragcore/internal/pipeline"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/storage"
	"github.com/aihub/ragcore/internal/vector"
	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"
	"gorm.io/gorm"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container) error {
	// 注册配置
	if err := container.Provide(func() (interfaces.ConfigInterface, error) {
		cfg := config.GetAppConfig()
		if cfg == nil {
			return nil, fmt.Errorf("config not loaded")
		}
		return &configWrapper{config: cfg}, nil
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg interfaces.ConfigInterface) *config.Config {
		return cfg.GetConfig().(*config.Config)
	}); err != nil {
		return err
	}

	// 注册数据库
	if err := container.Provide(database.NewDatabase); err != nil {
		return err
	}

	if err := container.Provide(func(db interfaces.DatabaseInterface) *gorm.DB {
		return db.GetDB()
	}); err != nil {
		return err
	}

	// 注册Redis客户端（未启用时为nil，块去重退化为仅数据库确认）
	if err := container.Provide(func(cfg *config.Config) (*redis.Client, error) {
		if !cfg.Redis.Enabled {
			return nil, nil
		}
		return database.InitRedis()
	}); err != nil {
		return err
	}

	// 注册向量索引
	if err := container.Provide(func(cfg *config.Config) (vector.Index, error) {
		return vector.NewIndexFromConfig(cfg.Vector)
	}); err != nil {
		return err
	}

	// 注册操作队列
	if err := container.Provide(func(cfg *config.Config) (*queue.OperationQueue, error) {
		return queue.New(queue.Options{
			Capacity:       cfg.Queue.Capacity,
			MaxConcurrency: cfg.Queue.MaxConcurrency,
			Retention:      cfg.Queue.Retention,
			SweepInterval:  cfg.Queue.SweepInterval,
			DefaultTimeout: cfg.Vector.CallTimeout,
		})
	}); err != nil {
		return err
	}

	// 注册事件发布器
	if err := container.Provide(func(cfg *config.Config) (interfaces.EventPublisher, error) {
		if !cfg.Kafka.Enabled {
			return &interfaces.NoopEventPublisher{}, nil
		}
		if err := kafka.InitProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic); err != nil {
			return nil, err
		}
		return kafka.GetProducer(), nil
	}); err != nil {
		return err
	}

	// 注册错误恢复引擎
	if err := container.Provide(func(cfg *config.Config) *recovery.BreakerRegistry {
		return recovery.NewBreakerRegistry(
			cfg.Recovery.FailureThreshold,
			cfg.Recovery.SuccessThreshold,
			cfg.Recovery.CooldownPeriod,
		)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(cfg *config.Config, breakers *recovery.BreakerRegistry,
		publisher interfaces.EventPublisher) *recovery.Engine {
		return recovery.NewEngine(cfg.Recovery, breakers, publisher)
	}); err != nil {
		return err
	}

	// 注册集合生命周期管理器
	if err := container.Provide(func(cfg *config.Config, index vector.Index,
		opQueue *queue.OperationQueue, engine *recovery.Engine,
		publisher interfaces.EventPublisher) *collection.Manager {
		return collection.NewManager(cfg.Vector, cfg.Maintenance, index, opQueue, engine, publisher)
	}); err != nil {
		return err
	}

	// 注册全文索引器
	if err := container.Provide(func(cfg *config.Config) (knowledge.FulltextIndexer, error) {
		if !cfg.Search.Enabled {
			return &knowledge.NoopFulltextIndexer{}, nil
		}
		return knowledge.NewElasticsearchIndexer(cfg.Search.Addresses, cfg.Search.IndexPrefix)
	}); err != nil {
		return err
	}

	// 注册批次归档器
	if err := container.Provide(func(cfg *config.Config) (chunks.Archiver, error) {
		return storage.NewArchiveStore(cfg.Archive)
	}); err != nil {
		return err
	}

	// 注册向量化提供者
	if err := container.Provide(func(cfg *config.Config) knowledge.Embedder {
		return knowledge.NewOpenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.Model)
	}); err != nil {
		return err
	}

	// 注册块存储协调器
	if err := container.Provide(func(db *gorm.DB, redisClient *redis.Client, index vector.Index,
		opQueue *queue.OperationQueue, engine *recovery.Engine, indexer knowledge.FulltextIndexer,
		archiver chunks.Archiver, publisher interfaces.EventPublisher,
		cfg *config.Config) *chunks.Coordinator {
		return chunks.NewCoordinator(db, redisClient, index, opQueue, engine,
			indexer, archiver, publisher, cfg.Vector, cfg.Recovery, cfg.Reconcile)
	}); err != nil {
		return err
	}

	// 注册管线编排器
	if err := container.Provide(func(manager *collection.Manager, coordinator *chunks.Coordinator,
		embedder knowledge.Embedder, index vector.Index, engine *recovery.Engine,
		publisher interfaces.EventPublisher, cfg *config.Config) *pipeline.Orchestrator {
		return pipeline.NewOrchestrator(manager, coordinator, embedder, index, engine,
			publisher, cfg.Vector)
	}); err != nil {
		return err
	}

	return nil
}

// configWrapper 配置包装器，实现ConfigInterface
type configWrapper struct {
	config *config.Config
}

func (c *configWrapper) GetConfig() interface{} {
	return c.config
}

func (c *configWrapper) Reload() error {
	// 配置重新加载暂时不支持
	return nil
}
