package gatewayclient

import (
	"errors"
	"sync"
	"time"
)

// CallState 通话状态
type CallState string

const (
	StateIdle    CallState = "idle"    // 空闲
	StateRinging CallState = "ringing" // 响铃中
	StateActive  CallState = "active"  // 通话中
	StateEnded   CallState = "ended"   // 已结束
)

// CallEvent 通话事件
type CallEvent string

const (
	EventInitiate CallEvent = "initiate" // 发起或收到来电
	EventAccept   CallEvent = "accept"   // 接听，或主叫收到 answer
	EventReject   CallEvent = "reject"   // 拒接
	EventHangup   CallEvent = "hangup"   // 挂断，任一方
)

var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallEnded         = errors.New("call has already ended")
)

type stateEvent struct {
	state CallState
	event CallEvent
}

var callTransitions = map[stateEvent]CallState{
	{StateIdle, EventInitiate}:  StateRinging,
	{StateRinging, EventAccept}: StateActive,
	{StateRinging, EventReject}: StateEnded,
	{StateRinging, EventHangup}: StateEnded,
	{StateActive, EventHangup}:  StateEnded,
}

// CallStateMachine 通话状态机
type CallStateMachine struct {
	mu       sync.RWMutex
	state    CallState
	activeAt time.Time
	endedAt  time.Time
}

// NewCallStateMachine 创建状态机，初始为 Idle
func NewCallStateMachine() *CallStateMachine {
	return &CallStateMachine{state: StateIdle}
}

// Transition 执行状态转换
func (sm *CallStateMachine) Transition(event CallEvent) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state == StateEnded {
		return ErrCallEnded
	}
	next, ok := callTransitions[stateEvent{sm.state, event}]
	if !ok {
		return ErrInvalidTransition
	}

	now := time.Now()
	switch next {
	case StateActive:
		sm.activeAt = now
	case StateEnded:
		sm.endedAt = now
	}
	sm.state = next
	return nil
}

// State 当前状态
func (sm *CallStateMachine) State() CallState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Duration 通话时长，未接通为 0
func (sm *CallStateMachine) Duration() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if sm.activeAt.IsZero() {
		return 0
	}
	if sm.endedAt.IsZero() {
		return time.Since(sm.activeAt)
	}
	return sm.endedAt.Sub(sm.activeAt)
}
