package service

import (
	"context"
	"fmt"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/pkg/protocol"
)

// Voice 语音频道状态广播，网关不保存语音状态
type Voice struct {
	store      dao.GatewayDAO
	dispatcher *Dispatcher
}

func NewVoice(store dao.GatewayDAO, dispatcher *Dispatcher) *Voice {
	return &Voice{store: store, dispatcher: dispatcher}
}

// Update 把语音状态广播给服务器全体在线成员（包括发送者）；channelId 为 null 表示离开
func (v *Voice) Update(ctx context.Context, userID string, msg *protocol.VoiceStateUpdate) (int, error) {
	if msg.ServerID == "" {
		return 0, nil
	}

	members, err := v.store.GetServerMemberIDs(ctx, msg.ServerID)
	if err != nil {
		return 0, fmt.Errorf("failed to get server members: %w", err)
	}

	payload := protocol.VoiceStatePayload{
		UserID:    userID,
		ChannelID: msg.ChannelID,
		SelfMute:  msg.SelfMute,
		SelfDeaf:  msg.SelfDeaf,
	}
	return v.dispatcher.SendToUsers(members, protocol.EventVoiceStateUpdate, payload), nil
}
