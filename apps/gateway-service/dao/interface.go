package dao

import (
	"context"

	"goim-gateway/apps/gateway-service/model"
)

// GatewayDAO 网关依赖的关系数据读写接口
type GatewayDAO interface {
	// GetFriendIDs 已接受的好友ID（双向）
	GetFriendIDs(ctx context.Context, userID string) ([]string, error)
	GetServerMemberIDs(ctx context.Context, serverID string) ([]string, error)
	GetDMParticipantIDs(ctx context.Context, channelID string) ([]string, error)
	// GetChannelByID 频道不存在时返回 nil, nil
	GetChannelByID(ctx context.Context, channelID string) (*model.Channel, error)
	SetUserStatus(ctx context.Context, userID, status string) error
}

// SessionJournal 连接会话日志
type SessionJournal interface {
	RecordOpen(ctx context.Context, record *model.SessionRecord) error
	RecordIdentify(ctx context.Context, connectionID, userID string) error
	RecordClose(ctx context.Context, connectionID, reason string) error
}
