package dao

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/database"
)

// gatewayDAO 基于 PostgreSQL 的实现
type gatewayDAO struct {
	db *database.PostgreSQL
}

// NewGatewayDAO 创建网关DAO实例
func NewGatewayDAO(db *database.PostgreSQL) GatewayDAO {
	return &gatewayDAO{db: db}
}

// GetFriendIDs 获取已接受的好友ID，user_id/friend_id 两个方向都算
func (d *gatewayDAO) GetFriendIDs(ctx context.Context, userID string) ([]string, error) {
	var rows []model.Friend
	if err := d.db.WithContext(ctx).
		Select("user_id", "friend_id").
		Where("(user_id = ? OR friend_id = ?) AND status = ?", userID, userID, model.FriendStatusAccepted).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		other := row.FriendID
		if row.FriendID == userID {
			other = row.UserID
		}
		if other == userID {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		ids = append(ids, other)
	}
	return ids, nil
}

// GetServerMemberIDs 获取服务器成员ID
func (d *gatewayDAO) GetServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	var ids []string
	if err := d.db.WithContext(ctx).Model(&model.Member{}).
		Where("server_id = ?", serverID).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list server members: %w", err)
	}
	return ids, nil
}

// GetDMParticipantIDs 获取私信频道参与者ID
func (d *gatewayDAO) GetDMParticipantIDs(ctx context.Context, channelID string) ([]string, error) {
	var ids []string
	if err := d.db.WithContext(ctx).Model(&model.DMParticipant{}).
		Where("channel_id = ?", channelID).
		Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list dm participants: %w", err)
	}
	return ids, nil
}

// GetChannelByID 先查服务器频道，再查私信频道
func (d *gatewayDAO) GetChannelByID(ctx context.Context, channelID string) (*model.Channel, error) {
	var channel model.ServerChannel
	err := d.db.WithContext(ctx).
		Select("id", "server_id", "type").
		Where("id = ?", channelID).
		Take(&channel).Error
	if err == nil {
		result := &model.Channel{ID: channel.ID, Type: channel.Type}
		if channel.ServerID != nil {
			result.ServerID = *channel.ServerID
		}
		return result, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	var dm model.DMChannel
	err = d.db.WithContext(ctx).
		Select("id", "type").
		Where("id = ?", channelID).
		Take(&dm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dm channel: %w", err)
	}
	return &model.Channel{ID: dm.ID, Type: dm.Type}, nil
}

// SetUserStatus 更新用户状态
func (d *gatewayDAO) SetUserStatus(ctx context.Context, userID, status string) error {
	if err := d.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return nil
}
