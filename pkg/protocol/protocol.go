package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Opcode 网关帧操作码
type Opcode int

const (
	OpDispatch         Opcode = 0
	OpHeartbeat        Opcode = 1
	OpIdentify         Opcode = 2
	OpPresenceUpdate   Opcode = 3
	OpVoiceStateUpdate Opcode = 4
	OpResume           Opcode = 6
	OpReconnect        Opcode = 7
	OpInvalidSession   Opcode = 9
	OpHello            Opcode = 10
	OpHeartbeatAck     Opcode = 11
	OpCallStart        Opcode = 15
	OpCallEnd          Opcode = 16
	OpCallOffer        Opcode = 17
	OpCallAnswer       Opcode = 18
	OpCallICECandidate Opcode = 19
)

var opcodeNames = map[Opcode]string{
	OpDispatch:         "DISPATCH",
	OpHeartbeat:        "HEARTBEAT",
	OpIdentify:         "IDENTIFY",
	OpPresenceUpdate:   "PRESENCE_UPDATE",
	OpVoiceStateUpdate: "VOICE_STATE_UPDATE",
	OpResume:           "RESUME",
	OpReconnect:        "RECONNECT",
	OpInvalidSession:   "INVALID_SESSION",
	OpHello:            "HELLO",
	OpHeartbeatAck:     "HEARTBEAT_ACK",
	OpCallStart:        "CALL_START",
	OpCallEnd:          "CALL_END",
	OpCallOffer:        "CALL_OFFER",
	OpCallAnswer:       "CALL_ANSWER",
	OpCallICECandidate: "CALL_ICE_CANDIDATE",
}

// String 操作码名称
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(op))
}

// Known 是否为已定义的操作码
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

// DISPATCH 事件名称
const (
	EventMessageCreate    = "MESSAGE_CREATE"
	EventPresenceUpdate   = "PRESENCE_UPDATE"
	EventVoiceStateUpdate = "VOICE_STATE_UPDATE"
	EventFriendRequest    = "FRIEND_REQUEST"
	EventCallStart        = "CALL_START"
	EventCallEnd          = "CALL_END"
	EventCallOffer        = "CALL_OFFER"
	EventCallAnswer       = "CALL_ANSWER"
	EventCallICECandidate = "CALL_ICE_CANDIDATE"
)

// BackendDispatchable 业务后端可经 REST 或 Kafka 派发的事件；
// 在线状态、语音与通话事件只能由网关根据已认证连接产生
func BackendDispatchable(event string) bool {
	switch event {
	case EventMessageCreate, EventFriendRequest:
		return true
	}
	return false
}

// 用户在线状态
const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
	StatusOffline = "offline"
)

// ValidStatus 校验在线状态取值
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return true
	}
	return false
}

// 通话媒体类型
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"
)

// DefaultHeartbeatInterval HELLO 中下发的心跳间隔（毫秒）
const DefaultHeartbeatInterval = 30000

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownOpcode  = errors.New("unknown opcode")
)

// Frame 线上帧 {op, t?, d?}
type Frame struct {
	Op Opcode          `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Message 解码后的帧，每个操作码对应一种具体类型
type Message interface {
	Opcode() Opcode
}

// Decode 解码一帧，未知操作码返回 ErrUnknownOpcode
func Decode(data []byte) (Message, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var msg Message
	switch frame.Op {
	case OpDispatch:
		msg = &Dispatch{Event: frame.T, Data: frame.D}
		if frame.T == "" {
			return nil, fmt.Errorf("%w: dispatch without event name", ErrMalformedFrame)
		}
		return msg, nil
	case OpHeartbeat:
		return &Heartbeat{}, nil
	case OpHeartbeatAck:
		return &HeartbeatAck{}, nil
	case OpResume:
		return &Resume{}, nil
	case OpReconnect:
		return &Reconnect{}, nil
	case OpIdentify:
		msg = &Identify{}
	case OpPresenceUpdate:
		msg = &PresenceUpdate{}
	case OpVoiceStateUpdate:
		msg = &VoiceStateUpdate{}
	case OpInvalidSession:
		msg = &InvalidSession{}
	case OpHello:
		msg = &Hello{}
	case OpCallStart:
		msg = &CallStart{}
	case OpCallEnd:
		msg = &CallEnd{}
	case OpCallOffer:
		msg = &CallOffer{}
	case OpCallAnswer:
		msg = &CallAnswer{}
	case OpCallICECandidate:
		msg = &CallICECandidate{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, int(frame.Op))
	}

	if isEmpty(frame.D) {
		return msg, nil
	}
	if err := json.Unmarshal(frame.D, msg); err != nil {
		// 无法解析的 IDENTIFY 按空令牌处理，走握手拒绝流程
		if frame.Op == OpIdentify {
			return &Identify{}, nil
		}
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, frame.Op, err)
	}
	return msg, nil
}

// Encode 编码一帧
func Encode(msg Message) ([]byte, error) {
	frame := Frame{Op: msg.Opcode()}

	switch m := msg.(type) {
	case *Dispatch:
		frame.T = m.Event
		frame.D = m.Data
	case *Heartbeat, *HeartbeatAck, *Resume, *Reconnect:
	case *InvalidSession:
		frame.D = json.RawMessage(fmt.Sprintf("%t", m.Resumable))
	default:
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Opcode(), err)
		}
		frame.D = payload
	}

	return json.Marshal(frame)
}

// EncodeDispatch 编码 DISPATCH 事件
func EncodeDispatch(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s dispatch: %w", event, err)
	}
	return Encode(&Dispatch{Event: event, Data: data})
}

// EncodeHello 编码 HELLO
func EncodeHello(intervalMs int64) ([]byte, error) {
	return Encode(&Hello{HeartbeatInterval: intervalMs})
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
