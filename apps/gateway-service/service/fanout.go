package service

import (
	"context"
	"errors"
	"fmt"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/metrics"
	"goim-gateway/pkg/protocol"
)

var ErrChannelNotFound = errors.New("channel not found")

// Dispatcher 把 DISPATCH 事件写给本实例上在线的用户，不在线的直接跳过
type Dispatcher struct {
	registry *Registry
	metrics  *metrics.GatewayMetrics
	log      logger.Logger
}

// NewDispatcher 创建派发器
func NewDispatcher(registry *Registry, m *metrics.GatewayMetrics, log logger.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: m, log: log}
}

// SendToUser 发送给单个用户，返回是否入队
func (d *Dispatcher) SendToUser(userID, event string, payload interface{}) bool {
	frame, err := protocol.EncodeDispatch(event, payload)
	if err != nil {
		d.log.Error(context.Background(), "Failed to encode dispatch",
			logger.F("event", event), logger.F("error", err.Error()))
		return false
	}
	n := d.sendFrame([]string{userID}, frame)
	d.metrics.DispatchSent(event, n)
	return n == 1
}

// SendToUsers 发送给一组用户，重复ID只发一次，返回入队数量
func (d *Dispatcher) SendToUsers(userIDs []string, event string, payload interface{}) int {
	if len(userIDs) == 0 {
		return 0
	}
	frame, err := protocol.EncodeDispatch(event, payload)
	if err != nil {
		d.log.Error(context.Background(), "Failed to encode dispatch",
			logger.F("event", event), logger.F("error", err.Error()))
		return 0
	}
	n := d.sendFrame(dedupe(userIDs), frame)
	d.metrics.DispatchSent(event, n)
	return n
}

func (d *Dispatcher) sendFrame(userIDs []string, frame []byte) int {
	delivered := 0
	for _, userID := range userIDs {
		conn, ok := d.registry.Lookup(userID)
		if !ok {
			continue
		}
		if err := conn.Send(frame); err != nil {
			d.log.Debug(context.Background(), "Dispatch dropped",
				logger.F("user_id", userID),
				logger.F("connection_id", conn.ID()),
				logger.F("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Fanout 频道级广播
type Fanout struct {
	store      dao.GatewayDAO
	dispatcher *Dispatcher
}

// NewFanout 创建频道广播器
func NewFanout(store dao.GatewayDAO, dispatcher *Dispatcher) *Fanout {
	return &Fanout{store: store, dispatcher: dispatcher}
}

// ChannelAudience 解析频道受众：服务器频道为全体成员，私信频道为参与者
func (f *Fanout) ChannelAudience(ctx context.Context, channelID string) ([]string, error) {
	channel, err := f.store.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel %s: %w", channelID, err)
	}
	if channel == nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}

	switch {
	case channel.ServerID != "":
		ids, err := f.store.GetServerMemberIDs(ctx, channel.ServerID)
		if err != nil {
			return nil, fmt.Errorf("failed to get server members: %w", err)
		}
		return ids, nil
	case channel.IsDirect():
		ids, err := f.store.GetDMParticipantIDs(ctx, channel.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dm participants: %w", err)
		}
		return ids, nil
	default:
		return nil, nil
	}
}

// BroadcastToChannel 向频道受众中在线的用户派发事件，返回入队数量
func (f *Fanout) BroadcastToChannel(ctx context.Context, channelID, event string, payload interface{}) (int, error) {
	audience, err := f.ChannelAudience(ctx, channelID)
	if err != nil {
		return 0, err
	}
	return f.dispatcher.SendToUsers(audience, event, payload), nil
}

// SendToUser 直接派发给单个用户
func (f *Fanout) SendToUser(userID, event string, payload interface{}) bool {
	return f.dispatcher.SendToUser(userID, event, payload)
}
