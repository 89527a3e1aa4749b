package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// DispatchConsumer 消费业务后端写入的派发记录（MESSAGE_CREATE、FRIEND_REQUEST 等）
//
// 记录只投递给本实例在线的用户；格式错误或频道不存在的记录直接跳过并提交位点，
// 存储查询失败时返回错误，由消费者原地重试，重试耗尽后不提交位点等待重新投递。
type DispatchConsumer struct {
	fanout *Fanout
	log    logger.Logger
}

// NewDispatchConsumer 创建派发消费者
func NewDispatchConsumer(fanout *Fanout, log logger.Logger) *DispatchConsumer {
	return &DispatchConsumer{fanout: fanout, log: log}
}

// HandleMessage 实现 kafka.ConsumerHandler
func (c *DispatchConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var record model.DispatchRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		c.log.Warn(ctx, "Skipping malformed dispatch record",
			logger.F("offset", msg.Offset), logger.F("error", err.Error()))
		return nil
	}
	return c.Dispatch(ctx, &record)
}

// Dispatch 按记录类型派发
func (c *DispatchConsumer) Dispatch(ctx context.Context, record *model.DispatchRecord) error {
	if record.Target == "" || record.Event == "" {
		c.log.Warn(ctx, "Skipping incomplete dispatch record", logger.F("kind", record.Kind))
		return nil
	}
	if !protocol.BackendDispatchable(record.Event) {
		c.log.Warn(ctx, "Skipping dispatch record with reserved event", logger.F("event", record.Event))
		return nil
	}
	payload := payloadOf(record.Payload)

	switch record.Kind {
	case model.DispatchKindChannel:
		n, err := c.fanout.BroadcastToChannel(ctx, record.Target, record.Event, payload)
		if errors.Is(err, ErrChannelNotFound) {
			c.log.Warn(ctx, "Dispatch target channel not found", logger.F("channel_id", record.Target))
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to dispatch %s to channel %s: %w", record.Event, record.Target, err)
		}
		c.log.Debug(ctx, "Channel dispatch delivered",
			logger.F("channel_id", record.Target), logger.F("event", record.Event), logger.F("delivered", n))
	case model.DispatchKindUser:
		c.fanout.SendToUser(record.Target, record.Event, payload)
	default:
		c.log.Warn(ctx, "Skipping dispatch record of unknown kind", logger.F("kind", record.Kind))
	}
	return nil
}

// payloadOf 空负载按 JSON null 处理
func payloadOf(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
