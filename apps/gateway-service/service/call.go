package service

import (
	"context"

	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/metrics"
	"goim-gateway/pkg/protocol"
)

// CallRelay 通话信令转发，不持有任何通话状态
//
// 发送方身份一律取自连接，客户端帧中的 userId 只作为目标。
// callId 仅用于双方关联，服务端不校验。
type CallRelay struct {
	dispatcher *Dispatcher
	metrics    *metrics.GatewayMetrics
	log        logger.Logger
}

// NewCallRelay 创建信令转发器
func NewCallRelay(dispatcher *Dispatcher, m *metrics.GatewayMetrics, log logger.Logger) *CallRelay {
	return &CallRelay{dispatcher: dispatcher, metrics: m, log: log}
}

// Relay 把 msg 转发给目标用户，目标不在线或为自己时丢弃，返回是否入队
func (r *CallRelay) Relay(ctx context.Context, from string, msg protocol.Message) bool {
	var (
		target  string
		event   string
		payload interface{}
	)

	switch m := msg.(type) {
	case *protocol.CallStart:
		target, event = m.UserID, protocol.EventCallStart
		payload = protocol.CallStartPayload{From: from, ChannelID: m.ChannelID, Type: m.Type, CallID: m.CallID}
	case *protocol.CallEnd:
		target, event = m.UserID, protocol.EventCallEnd
		payload = protocol.CallSignalPayload{UserID: from, CallID: m.CallID}
	case *protocol.CallOffer:
		target, event = m.UserID, protocol.EventCallOffer
		payload = protocol.CallSignalPayload{UserID: from, CallID: m.CallID, Offer: m.Offer}
	case *protocol.CallAnswer:
		target, event = m.UserID, protocol.EventCallAnswer
		payload = protocol.CallSignalPayload{UserID: from, CallID: m.CallID, Answer: m.Answer}
	case *protocol.CallICECandidate:
		target, event = m.UserID, protocol.EventCallICECandidate
		payload = protocol.CallSignalPayload{UserID: from, CallID: m.CallID, Candidate: m.Candidate}
	default:
		return false
	}

	if target == "" || target == from {
		r.metrics.FrameDropped("call_bad_target")
		r.log.Debug(ctx, "Dropping call signal with invalid target",
			logger.F("event", event), logger.F("from", from), logger.F("target", target))
		return false
	}

	if !r.dispatcher.SendToUser(target, event, payload) {
		r.metrics.FrameDropped("call_target_offline")
		r.log.Debug(ctx, "Call target not connected",
			logger.F("event", event), logger.F("from", from), logger.F("target", target))
		return false
	}
	return true
}
