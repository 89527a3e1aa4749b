package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

func newTestManager() *LifecycleManager {
	return NewLifecycleManager(kratoslog.DefaultLogger)
}

func TestHooksRunByPriority(t *testing.T) {
	lm := newTestManager()
	var events []string
	record := func(name string) Hook {
		return Hook{
			Name: name,
			OnStart: func(context.Context) error {
				events = append(events, "start:"+name)
				return nil
			},
			OnStop: func(context.Context) error {
				events = append(events, "stop:"+name)
				return nil
			},
		}
	}

	servers := record("servers")
	servers.Priority = 200
	presence := record("presence")
	presence.Priority = 100
	stores := record("stores")
	stores.Priority = 10

	lm.AddHook(servers)
	lm.AddHook(presence)
	lm.AddHook(stores)

	if err := lm.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := lm.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	want := []string{
		"start:stores", "start:presence", "start:servers",
		"stop:servers", "stop:presence", "stop:stores",
	}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if lm.IsRunning() {
		t.Error("manager still running after Stop")
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	lm := newTestManager()
	boom := errors.New("boom")
	var stopped []string

	lm.AddHook(Hook{
		Name:     "stores",
		Priority: 10,
		OnStart:  func(context.Context) error { return nil },
		OnStop: func(context.Context) error {
			stopped = append(stopped, "stores")
			return nil
		},
	})
	lm.AddHook(Hook{
		Name:     "servers",
		Priority: 200,
		OnStart:  func(context.Context) error { return boom },
		OnStop: func(context.Context) error {
			stopped = append(stopped, "servers")
			return nil
		},
	})

	if err := lm.Start(); !errors.Is(err, boom) {
		t.Fatalf("start err = %v, want boom", err)
	}
	if !reflect.DeepEqual(stopped, []string{"stores"}) {
		t.Errorf("stopped = %v, want only stores", stopped)
	}
}

func TestWaitReturnsFatalError(t *testing.T) {
	lm := newTestManager()
	fatal := make(chan error, 1)
	boom := errors.New("listen failed")
	fatal <- boom

	if err := lm.Wait(fatal); !errors.Is(err, boom) {
		t.Fatalf("wait err = %v, want %v", err, boom)
	}
	select {
	case <-lm.Done():
	default:
		t.Fatal("manager not stopped after fatal error")
	}
}
