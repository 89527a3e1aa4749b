package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

var ErrUnknownCall = errors.New("unknown call")

// maxEndedCalls 记录的已结束通话上限，超出后淘汰最早的
const maxEndedCalls = 256

// PeerConnection 媒体连接，由调用方实现（WebRTC 等）
//
// 方法在 CallManager 持锁时被调用，实现中不能再回调 CallManager。
type PeerConnection interface {
	SetRemoteDescription(desc json.RawMessage) error
	AddICECandidate(candidate json.RawMessage) error
	HasRemoteDescription() bool
}

// Signaler 信令发送端，*Client 即可
type Signaler interface {
	StartCall(userID, channelID, callType, callID string) error
	EndCall(userID, callID string) error
	SendOffer(userID, callID string, offer json.RawMessage) error
	SendAnswer(userID, callID string, answer json.RawMessage) error
	SendICECandidate(userID, callID string, candidate json.RawMessage) error
}

// CallInfo 通话快照
type CallInfo struct {
	CallID    string
	PeerID    string
	ChannelID string
	Type      string
	Incoming  bool
	State     CallState
}

type call struct {
	info CallInfo
	sm   *CallStateMachine
	pc   PeerConnection

	pendingOffers []json.RawMessage
	pendingICE    []json.RawMessage
}

// CallManager 一对一通话的信令状态
//
// 未绑定媒体连接前收到的 offer 与 ICE 候选按到达顺序缓存，绑定后依次应用。
type CallManager struct {
	signaler Signaler
	log      logger.Logger

	mu         sync.Mutex
	calls      map[string]*call
	ended      map[string]struct{}
	endedOrder []string

	onIncoming func(CallInfo)
	onEnded    func(CallInfo)
}

// NewCallManager 创建通话管理器
func NewCallManager(signaler Signaler, log logger.Logger) *CallManager {
	if log == nil {
		log = logger.GetLogger()
	}
	return &CallManager{
		signaler: signaler,
		log:      log,
		calls:    make(map[string]*call),
		ended:    make(map[string]struct{}),
	}
}

// Bind 订阅客户端上的通话事件
func (m *CallManager) Bind(c *Client) {
	c.On(protocol.EventCallStart, func(data json.RawMessage) {
		var p protocol.CallStartPayload
		if m.decode(data, &p) {
			m.HandleCallStart(p)
		}
	})
	c.On(protocol.EventCallEnd, func(data json.RawMessage) {
		var p protocol.CallSignalPayload
		if m.decode(data, &p) {
			m.HandleCallEnd(p)
		}
	})
	c.On(protocol.EventCallOffer, func(data json.RawMessage) {
		var p protocol.CallSignalPayload
		if m.decode(data, &p) {
			m.logErr("offer", m.HandleOffer(p))
		}
	})
	c.On(protocol.EventCallAnswer, func(data json.RawMessage) {
		var p protocol.CallSignalPayload
		if m.decode(data, &p) {
			m.logErr("answer", m.HandleAnswer(p))
		}
	})
	c.On(protocol.EventCallICECandidate, func(data json.RawMessage) {
		var p protocol.CallSignalPayload
		if m.decode(data, &p) {
			m.logErr("ice", m.HandleICECandidate(p))
		}
	})
}

// OnIncoming 来电回调
func (m *CallManager) OnIncoming(fn func(CallInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = fn
}

// OnEnded 通话结束回调
func (m *CallManager) OnEnded(fn func(CallInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnded = fn
}

// Call 查询通话
func (m *CallManager) Call(callID string) (CallInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return CallInfo{}, false
	}
	return c.snapshot(), true
}

// Start 发起通话，返回 callId
func (m *CallManager) Start(userID, channelID, callType string) (string, error) {
	callID := uuid.NewString()
	c := &call{
		info: CallInfo{CallID: callID, PeerID: userID, ChannelID: channelID, Type: callType},
		sm:   NewCallStateMachine(),
	}
	if err := c.sm.Transition(EventInitiate); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.calls[callID] = c
	m.mu.Unlock()

	if err := m.signaler.StartCall(userID, channelID, callType, callID); err != nil {
		m.mu.Lock()
		delete(m.calls, callID)
		m.mu.Unlock()
		return "", err
	}
	return callID, nil
}

// Accept 接听来电
func (m *CallManager) Accept(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}
	return c.sm.Transition(EventAccept)
}

// Reject 拒接来电并通知对方
func (m *CallManager) Reject(callID string) error {
	return m.finish(callID, EventReject)
}

// End 挂断并通知对方
func (m *CallManager) End(callID string) error {
	return m.finish(callID, EventHangup)
}

func (m *CallManager) finish(callID string, event CallEvent) error {
	m.mu.Lock()
	c, err := m.lookup(callID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if err := c.sm.Transition(event); err != nil {
		m.mu.Unlock()
		return err
	}
	info := m.remove(c)
	onEnded := m.onEnded
	m.mu.Unlock()

	if onEnded != nil {
		onEnded(info)
	}
	return m.signaler.EndCall(info.PeerID, callID)
}

// AttachPeer 绑定媒体连接，依次应用缓存的 offer 和 ICE 候选
func (m *CallManager) AttachPeer(callID string, pc PeerConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(callID)
	if err != nil {
		return err
	}

	c.pc = pc
	offers := c.pendingOffers
	c.pendingOffers = nil
	for _, offer := range offers {
		if err := pc.SetRemoteDescription(offer); err != nil {
			return err
		}
	}
	return m.flushICE(c)
}

// SendOffer 发送本端 offer（首次协商或重协商）
func (m *CallManager) SendOffer(callID string, offer json.RawMessage) error {
	peer, err := m.peerOf(callID)
	if err != nil {
		return err
	}
	return m.signaler.SendOffer(peer, callID, offer)
}

// SendAnswer 发送本端 answer
func (m *CallManager) SendAnswer(callID string, answer json.RawMessage) error {
	peer, err := m.peerOf(callID)
	if err != nil {
		return err
	}
	return m.signaler.SendAnswer(peer, callID, answer)
}

// SendICECandidate 发送本端 ICE 候选
func (m *CallManager) SendICECandidate(callID string, candidate json.RawMessage) error {
	peer, err := m.peerOf(callID)
	if err != nil {
		return err
	}
	return m.signaler.SendICECandidate(peer, callID, candidate)
}

// HandleCallStart 收到来电
func (m *CallManager) HandleCallStart(p protocol.CallStartPayload) {
	m.mu.Lock()
	if _, gone := m.ended[p.CallID]; gone {
		m.mu.Unlock()
		return
	}
	c, ok := m.calls[p.CallID]
	if !ok {
		c = m.incoming(p.CallID, p.From)
	}
	c.info.ChannelID = p.ChannelID
	c.info.Type = p.Type
	info := c.snapshot()
	onIncoming := m.onIncoming
	m.mu.Unlock()

	if onIncoming != nil {
		onIncoming(info)
	}
}

// HandleCallEnd 对方挂断或拒接，清空缓存
func (m *CallManager) HandleCallEnd(p protocol.CallSignalPayload) {
	m.mu.Lock()
	c, ok := m.calls[p.CallID]
	if !ok {
		m.mu.Unlock()
		return
	}
	_ = c.sm.Transition(EventHangup)
	info := m.remove(c)
	onEnded := m.onEnded
	m.mu.Unlock()

	if onEnded != nil {
		onEnded(info)
	}
}

// HandleOffer 收到 offer：已绑定媒体连接则直接应用（重协商），否则缓存
func (m *CallManager) HandleOffer(p protocol.CallSignalPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.ended[p.CallID]; gone {
		return ErrCallEnded
	}
	c, ok := m.calls[p.CallID]
	if !ok {
		c = m.incoming(p.CallID, p.UserID)
	}

	if c.pc == nil {
		c.pendingOffers = append(c.pendingOffers, p.Offer)
		return nil
	}
	if err := c.pc.SetRemoteDescription(p.Offer); err != nil {
		return err
	}
	return m.flushICE(c)
}

// HandleAnswer 主叫收到 answer，通话进入 Active
func (m *CallManager) HandleAnswer(p protocol.CallSignalPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(p.CallID)
	if err != nil {
		return err
	}
	if c.sm.State() == StateRinging {
		if err := c.sm.Transition(EventAccept); err != nil {
			return err
		}
	}
	if c.pc == nil {
		return nil
	}
	if err := c.pc.SetRemoteDescription(p.Answer); err != nil {
		return err
	}
	return m.flushICE(c)
}

// HandleICECandidate 远端描述就绪前缓存候选
func (m *CallManager) HandleICECandidate(p protocol.CallSignalPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(p.CallID)
	if err != nil {
		return err
	}
	if c.pc == nil || !c.pc.HasRemoteDescription() {
		c.pendingICE = append(c.pendingICE, p.Candidate)
		return nil
	}
	return c.pc.AddICECandidate(p.Candidate)
}

func (m *CallManager) incoming(callID, from string) *call {
	c := &call{
		info: CallInfo{CallID: callID, PeerID: from, Incoming: true},
		sm:   NewCallStateMachine(),
	}
	_ = c.sm.Transition(EventInitiate)
	m.calls[callID] = c
	return c
}

func (m *CallManager) lookup(callID string) (*call, error) {
	if _, gone := m.ended[callID]; gone {
		return nil, ErrCallEnded
	}
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrUnknownCall
	}
	return c, nil
}

func (m *CallManager) remove(c *call) CallInfo {
	c.pendingOffers = nil
	c.pendingICE = nil
	delete(m.calls, c.info.CallID)
	m.markEnded(c.info.CallID)
	return c.snapshot()
}

func (m *CallManager) markEnded(callID string) {
	if _, ok := m.ended[callID]; ok {
		return
	}
	if len(m.endedOrder) >= maxEndedCalls {
		delete(m.ended, m.endedOrder[0])
		m.endedOrder = m.endedOrder[1:]
	}
	m.ended[callID] = struct{}{}
	m.endedOrder = append(m.endedOrder, callID)
}

func (m *CallManager) peerOf(callID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.lookup(callID)
	if err != nil {
		return "", err
	}
	return c.info.PeerID, nil
}

func (m *CallManager) decode(data json.RawMessage, v interface{}) bool {
	if err := json.Unmarshal(data, v); err != nil {
		m.log.Warn(context.Background(), "Malformed call event", logger.F("error", err.Error()))
		return false
	}
	return true
}

func (m *CallManager) logErr(kind string, err error) {
	if err != nil {
		m.log.Warn(context.Background(), "Call signal not applied", logger.F("kind", kind), logger.F("error", err.Error()))
	}
}

func (c *call) snapshot() CallInfo {
	info := c.info
	info.State = c.sm.State()
	return info
}

// flushICE 远端描述就绪后按到达顺序应用缓存的候选，单个失败不影响后续
func (m *CallManager) flushICE(c *call) error {
	if c.pc == nil || !c.pc.HasRemoteDescription() {
		return nil
	}
	pending := c.pendingICE
	c.pendingICE = nil
	var errs []error
	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			m.log.Warn(context.Background(), "Queued ICE candidate rejected",
				logger.F("call_id", c.info.CallID), logger.F("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
