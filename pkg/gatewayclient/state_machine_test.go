package gatewayclient

import (
	"errors"
	"testing"
)

func TestCallStateMachine(t *testing.T) {
	tests := []struct {
		name   string
		events []CallEvent
		want   CallState
		err    error
	}{
		{"ring", []CallEvent{EventInitiate}, StateRinging, nil},
		{"accept", []CallEvent{EventInitiate, EventAccept}, StateActive, nil},
		{"reject", []CallEvent{EventInitiate, EventReject}, StateEnded, nil},
		{"cancel while ringing", []CallEvent{EventInitiate, EventHangup}, StateEnded, nil},
		{"hangup active", []CallEvent{EventInitiate, EventAccept, EventHangup}, StateEnded, nil},
		{"accept before ring", []CallEvent{EventAccept}, StateIdle, ErrInvalidTransition},
		{"reject active", []CallEvent{EventInitiate, EventAccept, EventReject}, StateActive, ErrInvalidTransition},
		{"after end", []CallEvent{EventInitiate, EventHangup, EventAccept}, StateEnded, ErrCallEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewCallStateMachine()
			var err error
			for _, ev := range tt.events {
				if err = sm.Transition(ev); err != nil {
					break
				}
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if sm.State() != tt.want {
				t.Errorf("state = %s, want %s", sm.State(), tt.want)
			}
		})
	}
}

func TestCallDurationStartsWhenActive(t *testing.T) {
	sm := NewCallStateMachine()
	_ = sm.Transition(EventInitiate)
	if sm.Duration() != 0 {
		t.Fatal("ringing call has a duration")
	}
	_ = sm.Transition(EventAccept)
	_ = sm.Transition(EventHangup)
	if sm.Duration() < 0 {
		t.Fatal("negative duration")
	}
}
