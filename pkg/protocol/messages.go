package protocol

import "encoding/json"

// Dispatch 服务端推送的具名事件 (op 0)
type Dispatch struct {
	Event string
	Data  json.RawMessage
}

func (*Dispatch) Opcode() Opcode { return OpDispatch }

// Heartbeat 心跳 (op 1)，双向
type Heartbeat struct{}

func (*Heartbeat) Opcode() Opcode { return OpHeartbeat }

// Identify 鉴权握手 (op 2)
type Identify struct {
	Token string `json:"token"`
}

func (*Identify) Opcode() Opcode { return OpIdentify }

// PresenceUpdate 客户端请求变更在线状态 (op 3)
type PresenceUpdate struct {
	Status string `json:"status"`
}

func (*PresenceUpdate) Opcode() Opcode { return OpPresenceUpdate }

// VoiceStateUpdate 语音频道状态 (op 4)，ChannelID 为 nil 表示离开语音
type VoiceStateUpdate struct {
	ChannelID *string `json:"channelId"`
	ServerID  string  `json:"serverId"`
	SelfMute  bool    `json:"selfMute"`
	SelfDeaf  bool    `json:"selfDeaf"`
}

func (*VoiceStateUpdate) Opcode() Opcode { return OpVoiceStateUpdate }

// Resume 会话恢复 (op 6)，目前仅识别不处理
type Resume struct{}

func (*Resume) Opcode() Opcode { return OpResume }

// Reconnect 要求客户端重连 (op 7)
type Reconnect struct{}

func (*Reconnect) Opcode() Opcode { return OpReconnect }

// InvalidSession 会话无效 (op 9)
type InvalidSession struct {
	Resumable bool
}

func (*InvalidSession) Opcode() Opcode { return OpInvalidSession }

func (m *InvalidSession) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &m.Resumable)
}

// Hello 握手成功 (op 10)
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

func (*Hello) Opcode() Opcode { return OpHello }

// HeartbeatAck 心跳应答 (op 11)
type HeartbeatAck struct{}

func (*HeartbeatAck) Opcode() Opcode { return OpHeartbeatAck }

// CallStart 发起通话 (op 15)，UserID 为被叫
type CallStart struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId"`
	Type      string `json:"type"`
	CallID    string `json:"callId"`
}

func (*CallStart) Opcode() Opcode { return OpCallStart }

// CallEnd 结束通话 (op 16)
type CallEnd struct {
	UserID string `json:"userId"`
	CallID string `json:"callId"`
}

func (*CallEnd) Opcode() Opcode { return OpCallEnd }

// CallOffer SDP offer (op 17)，首次协商与重协商共用
type CallOffer struct {
	UserID string          `json:"userId"`
	CallID string          `json:"callId"`
	Offer  json.RawMessage `json:"offer"`
}

func (*CallOffer) Opcode() Opcode { return OpCallOffer }

// CallAnswer SDP answer (op 18)
type CallAnswer struct {
	UserID string          `json:"userId"`
	CallID string          `json:"callId"`
	Answer json.RawMessage `json:"answer"`
}

func (*CallAnswer) Opcode() Opcode { return OpCallAnswer }

// CallICECandidate ICE 候选 (op 19)
type CallICECandidate struct {
	UserID    string          `json:"userId"`
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (*CallICECandidate) Opcode() Opcode { return OpCallICECandidate }

// PresencePayload DISPATCH PRESENCE_UPDATE 负载
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// VoiceStatePayload DISPATCH VOICE_STATE_UPDATE 负载
type VoiceStatePayload struct {
	UserID    string  `json:"user_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// CallStartPayload DISPATCH CALL_START 负载
type CallStartPayload struct {
	From      string `json:"from"`
	ChannelID string `json:"channelId"`
	Type      string `json:"type"`
	CallID    string `json:"callId"`
}

// CallSignalPayload CALL_END/OFFER/ANSWER/ICE 转发负载，UserID 为发送方
type CallSignalPayload struct {
	UserID    string          `json:"userId"`
	CallID    string          `json:"callId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
