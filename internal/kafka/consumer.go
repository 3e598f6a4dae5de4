package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/aihub/ragcore/internal/logger"
)

// Consumer Kafka消费者
// 接收协作方下发的维护请求（对账、优化、修复）
type Consumer struct {
	group    sarama.ConsumerGroup
	topics   []string
	handlers map[string]MessageHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

var globalConsumer *Consumer

// InitConsumer 初始化Kafka消费者
func InitConsumer(brokers []string, groupID string, topics []string) error {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return fmt.Errorf("创建Kafka消费者组失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	globalConsumer = &Consumer{
		group:    group,
		topics:   topics,
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("Kafka消费者初始化成功",
		zap.Strings("brokers", brokers),
		zap.String("group_id", groupID),
		zap.Strings("topics", topics))
	return nil
}

// GetConsumer 获取全局消费者实例
func GetConsumer() *Consumer {
	return globalConsumer
}

// RegisterHandler 注册topic处理函数
func (c *Consumer) RegisterHandler(topic string, handler MessageHandler) {
	c.handlers[topic] = handler
}

// Start 启动消费循环
func (c *Consumer) Start() {
	go func() {
		for {
			if err := c.group.Consume(c.ctx, c.topics, &consumerGroupHandler{consumer: c}); err != nil {
				logger.Error("Kafka消费失败", zap.Error(err))
			}
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range c.group.Errors() {
			logger.Error("Kafka消费者组错误", zap.Error(err))
		}
	}()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	return c.group.Close()
}

type consumerGroupHandler struct {
	consumer *Consumer
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		handler, ok := h.consumer.handlers[message.Topic]
		if !ok {
			logger.Warn("未注册处理函数的topic", zap.String("topic", message.Topic))
			session.MarkMessage(message, "")
			continue
		}

		if err := handler(session.Context(), message); err != nil {
			logger.Error("维护请求处理失败",
				zap.String("topic", message.Topic),
				zap.Int64("offset", message.Offset),
				zap.Error(err))
		}
		session.MarkMessage(message, "")
	}
	return nil
}

// MaintenanceRequest 协作方下发的维护请求
type MaintenanceRequest struct {
	KnowledgeBaseID uint   `json:"kb_id"`
	Action          string `json:"action"` // reconcile | optimize | repair | health_check
	RequestedBy     string `json:"requested_by,omitempty"`
}

// ParseMaintenanceRequest 解析维护请求
func ParseMaintenanceRequest(data []byte) (*MaintenanceRequest, error) {
	var req MaintenanceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("解析维护请求失败: %w", err)
	}
	if req.KnowledgeBaseID == 0 {
		return nil, fmt.Errorf("维护请求缺少kb_id")
	}
	return &req, nil
}
