package model

import (
	"encoding/json"
	"time"
)

// 频道类型
const (
	ChannelTypeText    = "TEXT"
	ChannelTypeVoice   = "VOICE"
	ChannelTypeDM      = "DM"
	ChannelTypeGroupDM = "GROUP_DM"
)

// 好友关系状态
const (
	FriendStatusPending  = "pending"
	FriendStatusAccepted = "accepted"
)

// User users 表，网关只读写 status 列
type User struct {
	ID     string `gorm:"column:id;primaryKey"`
	Status string `gorm:"column:status"`
}

func (User) TableName() string { return "users" }

// ServerChannel channels 表
type ServerChannel struct {
	ID       string  `gorm:"column:id;primaryKey"`
	ServerID *string `gorm:"column:server_id"`
	Type     string  `gorm:"column:type"`
}

func (ServerChannel) TableName() string { return "channels" }

// DMChannel dm_channels 表
type DMChannel struct {
	ID   string `gorm:"column:id;primaryKey"`
	Type string `gorm:"column:type"`
}

func (DMChannel) TableName() string { return "dm_channels" }

// DMParticipant dm_participants 表
type DMParticipant struct {
	ChannelID string `gorm:"column:channel_id;primaryKey"`
	UserID    string `gorm:"column:user_id;primaryKey"`
}

func (DMParticipant) TableName() string { return "dm_participants" }

// Member members 表
type Member struct {
	ID       string `gorm:"column:id;primaryKey"`
	UserID   string `gorm:"column:user_id"`
	ServerID string `gorm:"column:server_id"`
}

func (Member) TableName() string { return "members" }

// Friend friends 表，关系按无向边处理
type Friend struct {
	ID       string `gorm:"column:id;primaryKey"`
	UserID   string `gorm:"column:user_id"`
	FriendID string `gorm:"column:friend_id"`
	Status   string `gorm:"column:status"`
}

func (Friend) TableName() string { return "friends" }

// Channel 频道受众解析所需的信息
type Channel struct {
	ID       string
	ServerID string // 私信频道为空
	Type     string
}

// IsDirect 是否为私信/群私信频道
func (c *Channel) IsDirect() bool {
	return c.Type == ChannelTypeDM || c.Type == ChannelTypeGroupDM
}

// SessionRecord 连接会话记录（MongoDB gateway_sessions 集合）
type SessionRecord struct {
	ConnectionID string     `bson:"connection_id" json:"connection_id"`
	InstanceID   string     `bson:"instance_id" json:"instance_id"`
	UserID       string     `bson:"user_id,omitempty" json:"user_id,omitempty"`
	RemoteAddr   string     `bson:"remote_addr" json:"remote_addr"`
	UserAgent    string     `bson:"user_agent" json:"user_agent"`
	ConnectedAt  time.Time  `bson:"connected_at" json:"connected_at"`
	IdentifiedAt *time.Time `bson:"identified_at,omitempty" json:"identified_at,omitempty"`
	ClosedAt     *time.Time `bson:"closed_at,omitempty" json:"closed_at,omitempty"`
	CloseReason  string     `bson:"close_reason,omitempty" json:"close_reason,omitempty"`
}

// 外部派发目标类型
const (
	DispatchKindChannel = "channel"
	DispatchKindUser    = "user"
)

// DispatchRecord 由业务后端投递的待派发事件（Kafka / REST）
type DispatchRecord struct {
	Kind    string          `json:"kind" binding:"required,oneof=channel user"`
	Target  string          `json:"target" binding:"required"`
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceEvent 在线状态变更事件
type PresenceEvent struct {
	UserID     string   `json:"user_id"`
	Status     string   `json:"status"`
	Recipients []string `json:"recipients,omitempty"`
	InstanceID string   `json:"instance_id"`
	At         int64    `json:"at"`
}

// DispatchRequest REST 派发请求
type DispatchRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// DispatchResponse REST 派发响应
type DispatchResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Delivered int    `json:"delivered"`
}

// PresenceQueryRequest 批量查询在线状态
type PresenceQueryRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

// PresenceQueryResponse 批量查询在线状态响应
type PresenceQueryResponse struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message"`
	Statuses map[string]string `json:"statuses"`
}
