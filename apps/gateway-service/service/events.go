package service

import (
	"context"
	"encoding/json"
	"fmt"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/kafka"
)

// EventPublisher 向下游投递网关事件
type EventPublisher interface {
	PublishPresence(ctx context.Context, event *model.PresenceEvent) error
}

// KafkaEventPublisher 把在线状态变更写入 Kafka，按用户ID分区保证单用户有序
type KafkaEventPublisher struct {
	producer *kafka.Producer
	topic    string
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *kafka.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

// PublishPresence 发布在线状态变更
func (p *KafkaEventPublisher) PublishPresence(ctx context.Context, event *model.PresenceEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	if err := p.producer.SendMessage(ctx, p.topic, []byte(event.UserID), value); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

type nopEventPublisher struct{}

func (nopEventPublisher) PublishPresence(context.Context, *model.PresenceEvent) error { return nil }
