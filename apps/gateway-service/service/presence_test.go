package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/protocol"
)

func TestPresenceUpdateReachesConnectedFriendsOnce(t *testing.T) {
	store := newFakeStore()
	store.befriend("alice", "bob")
	store.befriend("alice", "dave") // dave 不在线
	svc := newTestService(t, store)

	_, bob := connect(t, svc, "bob")
	_, carol := connect(t, svc, "carol") // 非好友
	alice, aliceFT := connect(t, svc, "alice")
	bob.nextDispatch(t, protocol.EventPresenceUpdate, nil)

	svc.HandleFrame(context.Background(), alice, []byte(`{"op":3,"d":{"status":"idle"}}`))

	raw := string(bob.nextRaw(t))
	want := `{"op":0,"t":"PRESENCE_UPDATE","d":{"userId":"alice","status":"idle"}}`
	if raw != want {
		t.Fatalf("bob got %s, want %s", raw, want)
	}
	bob.expectNone(t, 100*time.Millisecond)
	carol.expectNone(t, 10*time.Millisecond)
	aliceFT.expectNone(t, 10*time.Millisecond)

	if got := svc.Presence().Status("alice"); got != protocol.StatusIdle {
		t.Fatalf("status overlay = %s, want idle", got)
	}
}

func TestPresenceDeduplicatesFriends(t *testing.T) {
	store := newFakeStore()
	// 双向各存一条边
	store.befriend("alice", "bob")
	store.befriend("alice", "bob")
	svc := newTestService(t, store)

	_, bob := connect(t, svc, "bob")
	if err := svc.Presence().UpdateStatus(context.Background(), "alice", protocol.StatusDND); err != nil {
		t.Fatalf("update status: %v", err)
	}

	var payload protocol.PresencePayload
	bob.nextDispatch(t, protocol.EventPresenceUpdate, &payload)
	if payload.Status != protocol.StatusDND {
		t.Fatalf("status = %s, want dnd", payload.Status)
	}
	bob.expectNone(t, 100*time.Millisecond)
}

func TestPresenceInvalidStatusDropped(t *testing.T) {
	store := newFakeStore()
	store.befriend("alice", "bob")
	svc := newTestService(t, store)

	_, bob := connect(t, svc, "bob")
	alice, _ := connect(t, svc, "alice")
	bob.nextDispatch(t, protocol.EventPresenceUpdate, nil)

	svc.HandleFrame(context.Background(), alice, []byte(`{"op":3,"d":{"status":"away"}}`))
	bob.expectNone(t, 100*time.Millisecond)
}

func TestPresencePersistFailureStillBroadcasts(t *testing.T) {
	store := newFakeStore()
	store.befriend("alice", "bob")
	svc := newTestService(t, store)
	_, bob := connect(t, svc, "bob")

	boom := errors.New("database unavailable")
	store.mu.Lock()
	store.statusErr = boom
	store.mu.Unlock()

	err := svc.Presence().UpdateStatus(context.Background(), "alice", protocol.StatusOnline)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
	bob.nextDispatch(t, protocol.EventPresenceUpdate, nil)
}

func TestPresenceStatusOverlay(t *testing.T) {
	svc := newTestService(t, newFakeStore())

	if got := svc.Presence().Status("alice"); got != protocol.StatusOffline {
		t.Fatalf("unconnected user = %s, want offline", got)
	}
	alice, _ := connect(t, svc, "alice")
	if got := svc.Presence().Status("alice"); got != protocol.StatusOnline {
		t.Fatalf("connected user = %s, want online", got)
	}

	svc.HandleFrame(context.Background(), alice, []byte(`{"op":3,"d":{"status":"offline"}}`))
	statuses := svc.Presence().Statuses([]string{"alice", "bob"})
	if statuses["alice"] != protocol.StatusOffline || statuses["bob"] != protocol.StatusOffline {
		t.Fatalf("statuses = %v", statuses)
	}
}

type recordingPublisher struct {
	events chan *model.PresenceEvent
}

func (p *recordingPublisher) PublishPresence(_ context.Context, event *model.PresenceEvent) error {
	p.events <- event
	return nil
}

func TestPresenceEmitsDownstreamEvent(t *testing.T) {
	store := newFakeStore()
	store.befriend("alice", "bob")
	pub := &recordingPublisher{events: make(chan *model.PresenceEvent, 4)}

	registry := NewRegistry()
	dispatcher := NewDispatcher(registry, nil, testLogger(t))
	presence := NewPresence(store, registry, dispatcher, nil, pub, "gw-test", testLogger(t))
	if err := presence.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := presence.UpdateStatus(context.Background(), "alice", protocol.StatusIdle); err != nil {
		t.Fatal(err)
	}
	event := <-pub.events
	if event.UserID != "alice" || event.Status != protocol.StatusIdle || event.InstanceID != "gw-test" {
		t.Fatalf("event = %+v", event)
	}
	if len(event.Recipients) != 1 || event.Recipients[0] != "bob" {
		t.Fatalf("recipients = %v, want [bob]", event.Recipients)
	}
}
