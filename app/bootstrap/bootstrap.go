package bootstrap

import (
	"context"
	"log"
	"strconv"

	"github.com/aihub/ragcore/app/middleware"
	"github.com/aihub/ragcore/internal/chunks"
	"github.com/aihub/ragcore/internal/collection"
	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/consul"
	"github.com/aihub/ragcore/internal/di"
	"github.com/aihub/ragcore/internal/etcd"
	"github.com/aihub/ragcore/internal/interfaces"
	"github.com/aihub/ragcore/internal/kafka"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/aihub/ragcore/internal/pipeline"
	"github.com/aihub/ragcore/internal/queue"
	"github.com/aihub/ragcore/internal/recovery"
	"github.com/aihub/ragcore/internal/vector"
	"github.com/beego/beego/v2/server/web"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	cleanupTasks []func() error
	cancel       context.CancelFunc

	consulClient    *consul.Client
	serviceRegistry *consul.ServiceRegistry
	etcdRegistry    *etcd.Registry

	// Core components resolved from the DI container.
	DB           *gorm.DB
	Database     interfaces.DatabaseInterface
	Index        vector.Index
	Queue        *queue.OperationQueue
	Engine       *recovery.Engine
	Manager      *collection.Manager
	Coordinator  *chunks.Coordinator
	Orchestrator *pipeline.Orchestrator
}

// GetConsulClient returns the Consul client instance
func (a *App) GetConsulClient() *consul.Client {
	return a.consulClient
}

// Global app instance for controllers to access
var globalApp *App

// GetApp returns the global app instance
func GetApp() *App {
	return globalApp
}

// SetGlobalApp sets the global app instance
func SetGlobalApp(app *App) {
	globalApp = app
}

// Init bootstraps configuration, logger, the dependency graph and background
// loops required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize structured logger.
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	// Load dynamic configuration.
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{cancel: cancel}

	// Initialize Consul client (optional)
	if config.AppConfig.Consul.Enabled {
		consulClient, err := consul.NewClient(
			config.AppConfig.Consul.Address,
			config.AppConfig.Consul.Enabled,
			logger.Logger,
		)
		if err != nil {
			logger.Warn("Failed to initialize Consul client, using fallback config", zap.Error(err))
		} else if consulClient.IsEnabled() {
			app.consulClient = consulClient

			// Overlay config keys stored in Consul on top of the loaded config.
			if err := consul.OverlayConfigFromConsul(
				consulClient,
				config.AppConfig.Consul.ConfigPrefix,
				config.AppConfig,
				logger.Logger,
			); err != nil {
				logger.Warn("Failed to load config from Consul, using environment variables", zap.Error(err))
			} else {
				logger.Info("Configuration loaded from Consul")
			}
		}
	}

	// Build the dependency graph.
	container := di.InitContainer()
	if err := di.RegisterProviders(container); err != nil {
		cancel()
		return nil, err
	}

	if err := container.Invoke(func(
		db *gorm.DB,
		database interfaces.DatabaseInterface,
		index vector.Index,
		opQueue *queue.OperationQueue,
		engine *recovery.Engine,
		manager *collection.Manager,
		coordinator *chunks.Coordinator,
		orchestrator *pipeline.Orchestrator,
	) {
		app.DB = db
		app.Database = database
		app.Index = index
		app.Queue = opQueue
		app.Engine = engine
		app.Manager = manager
		app.Coordinator = coordinator
		app.Orchestrator = orchestrator
	}); err != nil {
		cancel()
		return nil, err
	}

	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return app.Database.Close()
	})
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return app.Index.Close()
	})

	// Start background loops: maintenance driver and double-store reconciliation.
	app.Manager.StartMaintenance()
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		app.Manager.StopMaintenance()
		return nil
	})

	go app.Coordinator.StartReconcileLoop(ctx, app.listKnowledgeBases)

	// Re-check collection config drift when the embedding config changes on disk.
	config.WatchEmbeddingConfig(app.onEmbeddingConfigChange)

	// Consul may also carry the embedding config, watch it too.
	if app.consulClient != nil && app.consulClient.IsEnabled() {
		go consul.WatchEmbeddingConfig(
			app.consulClient,
			config.AppConfig.Consul.ConfigPrefix,
			config.AppConfig.Embedding,
			app.onEmbeddingConfigChange,
		)
	}

	// Initialize Kafka consumer for maintenance requests (optional).
	if config.AppConfig.Kafka.Enabled {
		topics := []string{config.AppConfig.Kafka.Topic}
		if err := kafka.InitConsumer(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.GroupID, topics); err != nil {
			logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
		} else {
			consumer := kafka.GetConsumer()
			consumer.RegisterHandler(config.AppConfig.Kafka.Topic, app.handleMaintenanceMessage)
			consumer.Start()
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return consumer.Close()
			})
		}
	}

	// Register service with Consul
	if app.consulClient != nil && app.consulClient.IsEnabled() {
		serviceRegistry := consul.NewServiceRegistry(
			app.consulClient,
			config.AppConfig.Consul.ServiceID,
			config.AppConfig.Consul.ServiceName,
			logger.Logger,
		)
		if err := serviceRegistry.Register(config.AppConfig); err != nil {
			logger.Warn("Failed to register service with Consul", zap.Error(err))
		} else {
			app.serviceRegistry = serviceRegistry
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return serviceRegistry.Deregister()
			})
			logger.Info("Service registered with Consul",
				zap.String("service_id", config.AppConfig.Consul.ServiceID),
				zap.String("service_name", config.AppConfig.Consul.ServiceName))
		}
	}

	// Register service with etcd (optional, lease based).
	if config.AppConfig.Etcd.Enabled {
		registry, err := etcd.NewRegistry(config.AppConfig.Etcd, logger.Logger)
		if err != nil {
			logger.Warn("Failed to initialize etcd registry", zap.Error(err))
		} else if registry != nil {
			port, _ := parsePort(config.AppConfig.Server.Port)
			info := etcd.ServiceInfo{
				ID:      config.AppConfig.Etcd.ServiceID,
				Name:    config.AppConfig.Etcd.ServiceName,
				Address: serviceHost(),
				Port:    strconv.Itoa(port),
				Env:     config.AppConfig.Server.Env,
			}
			if err := registry.Register(ctx, info, 0); err != nil {
				logger.Warn("Failed to register service with etcd", zap.Error(err))
			} else {
				app.etcdRegistry = registry
				app.cleanupTasks = append(app.cleanupTasks, func() error {
					deregCtx, deregCancel := context.WithTimeout(context.Background(), etcdDeregisterTimeout)
					defer deregCancel()
					if err := registry.Deregister(deregCtx); err != nil {
						return err
					}
					return registry.Close()
				})
			}
		}
	}

	// Global request middleware.
	web.InsertFilter("/*", web.BeforeRouter, middleware.CORSMiddleware)
	web.InsertFilter("/*", web.BeforeRouter, middleware.RequestLogMiddleware)

	return app, nil
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}

	// Drain the operation queue before closing its backing connections.
	if a.Queue != nil {
		a.Queue.Shutdown(queueShutdownGrace)
	}

	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
