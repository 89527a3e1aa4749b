package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/natsx"
)

const DefaultPresenceSubject = "gateway.presence"

// NATSPresenceBackend 基于 NATS 主题的多实例实现，不维护全局在线集合
type NATSPresenceBackend struct {
	client  *natsx.Client
	subject string
	log     logger.Logger
}

// NewNATSPresenceBackend 创建 NATS 后端
func NewNATSPresenceBackend(client *natsx.Client, subject string, log logger.Logger) *NATSPresenceBackend {
	if subject == "" {
		subject = DefaultPresenceSubject
	}
	return &NATSPresenceBackend{client: client, subject: subject, log: log}
}

func (b *NATSPresenceBackend) Start(_ context.Context, deliver func(*model.PresenceEvent)) error {
	return b.client.Subscribe(b.subject, func(msg *nats.Msg) {
		var event model.PresenceEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Warn(context.Background(), "Discarding malformed presence event", logger.F("error", err.Error()))
			return
		}
		deliver(&event)
	})
}

func (b *NATSPresenceBackend) Publish(_ context.Context, event *model.PresenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	return b.client.Publish(b.subject, data, map[string]string{"instance": event.InstanceID})
}

func (b *NATSPresenceBackend) MarkOnline(context.Context, string) error  { return nil }
func (b *NATSPresenceBackend) MarkOffline(context.Context, string) error { return nil }

func (b *NATSPresenceBackend) Close() error {
	return b.client.Close()
}
