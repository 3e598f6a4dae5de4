package consul

import (
	"fmt"
	"time"

	"github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// Client wraps the Consul API client
type Client struct {
	apiClient *api.Client
	enabled   bool
	logger    *zap.Logger
}

// NewClient creates a new Consul client
func NewClient(address string, enabled bool, logger *zap.Logger) (*Client, error) {
	if !enabled {
		return &Client{enabled: false, logger: logger}, nil
	}

	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	apiClient, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	// Test connection
	_, _, err = apiClient.Health().State(api.HealthAny, nil)
	if err != nil {
		logger.Warn("Consul connection test failed, will use fallback config", zap.Error(err))
		return &Client{enabled: false, logger: logger}, nil
	}

	logger.Info("Consul client initialized", zap.String("address", address))
	return &Client{
		apiClient: apiClient,
		enabled:   true,
		logger:    logger,
	}, nil
}

// IsEnabled returns whether Consul is enabled
func (c *Client) IsEnabled() bool {
	return c.enabled && c.apiClient != nil
}

// GetKV retrieves a value from Consul KV store
func (c *Client) GetKV(key string) (string, error) {
	if !c.IsEnabled() {
		return "", fmt.Errorf("Consul is not enabled")
	}

	kv := c.apiClient.KV()
	pair, _, err := kv.Get(key, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if pair == nil {
		return "", fmt.Errorf("key %s not found", key)
	}
	return string(pair.Value), nil
}

// GetKVWithDefault retrieves a value from Consul KV store with a default value
func (c *Client) GetKVWithDefault(key string, defaultValue string) string {
	if !c.IsEnabled() {
		return defaultValue
	}

	value, err := c.GetKV(key)
	if err != nil {
		c.logger.Debug("Failed to get Consul key, using default",
			zap.String("key", key),
			zap.Error(err),
		)
		return defaultValue
	}
	return value
}

// WatchKV watches a key for changes and calls the callback when it changes
func (c *Client) WatchKV(key string, callback func(string) error) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Consul is not enabled")
	}

	kv := c.apiClient.KV()
	lastIndex := uint64(0)

	for {
		pair, meta, err := kv.Get(key, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  10 * time.Second,
		})
		if err != nil {
			c.logger.Error("Error watching Consul key",
				zap.String("key", key),
				zap.Error(err),
			)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex > lastIndex {
			lastIndex = meta.LastIndex
			if pair != nil {
				if err := callback(string(pair.Value)); err != nil {
					c.logger.Error("Error in Consul watch callback",
						zap.String("key", key),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// RegisterService registers a service with Consul
func (c *Client) RegisterService(registration *api.AgentServiceRegistration) error {
	if !c.IsEnabled() {
		return fmt.Errorf("Consul is not enabled")
	}

	agent := c.apiClient.Agent()
	if err := agent.ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	c.logger.Info("Service registered with Consul",
		zap.String("service_id", registration.ID),
		zap.String("service_name", registration.Name),
	)
	return nil
}

// DeregisterService deregisters a service from Consul
func (c *Client) DeregisterService(serviceID string) error {
	if !c.IsEnabled() {
		return nil
	}

	agent := c.apiClient.Agent()
	if err := agent.ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}

	c.logger.Info("Service deregistered from Consul",
		zap.String("service_id", serviceID),
	)
	return nil
}

// GetHealthyServices returns healthy service instances
func (c *Client) GetHealthyServices(serviceName string, passingOnly bool) ([]*api.ServiceEntry, error) {
	if !c.IsEnabled() {
		return nil, fmt.Errorf("Consul is not enabled")
	}

	health := c.apiClient.Health()
	entries, _, err := health.Service(serviceName, "", passingOnly, &api.QueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get healthy services: %w", err)
	}
	return entries, nil
}

// GetServiceAddress returns the address of a healthy service instance
func (c *Client) GetServiceAddress(serviceName string) (string, error) {
	entries, err := c.GetHealthyServices(serviceName, true)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no healthy instances found for service %s", serviceName)
	}

	// Return the first healthy instance (can be extended to implement load balancing)
	entry := entries[0]
	address := entry.Service.Address
	if address == "" {
		address = entry.Node.Address
	}
	return fmt.Sprintf("%s:%d", address, entry.Service.Port), nil
}

// GetComponentHealth returns health status for the collaborator services
func (c *Client) GetComponentHealth() (map[string]interface{}, error) {
	if !c.IsEnabled() {
		return nil, fmt.Errorf("Consul is not enabled")
	}

	components := make(map[string]interface{})

	// 需要关注的协作方服务
	serviceMap := map[string]map[string]string{
		"ragcore": {
			"key":         "consistency_core",
			"name":        "一致性核心",
			"description": "队列/恢复/集合/对账服务",
		},
		"ragcore-chat": {
			"key":         "chat_service",
			"name":        "聊天服务",
			"description": "查询路径调用方",
		},
		"ragcore-documents": {
			"key":         "document_service",
			"name":        "文档服务",
			"description": "文档路径调用方",
		},
	}

	for serviceName, info := range serviceMap {
		status := "unhealthy"
		entries, err := c.GetHealthyServices(serviceName, true)
		if err == nil && len(entries) > 0 {
			status = "healthy"
		}
		components[info["key"]] = map[string]interface{}{
			"status":      status,
			"name":        info["name"],
			"description": info["description"],
		}
	}
	return components, nil
}
