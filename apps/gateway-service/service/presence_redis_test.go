package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/redis"
)

func newRedisBackend(t *testing.T) (*RedisPresenceBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewRedisClient(redis.Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPresenceBackend(client, "", testLogger(t)), mr
}

func TestRedisPresenceBackendOnlineSet(t *testing.T) {
	b, mr := newRedisBackend(t)
	ctx := context.Background()

	if err := b.MarkOnline(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := mr.SIsMember(onlineUsersKey, "alice"); !ok {
		t.Fatal("alice missing from online set")
	}
	if online, err := b.IsOnline(ctx, "alice"); err != nil || !online {
		t.Fatalf("IsOnline = %v, %v", online, err)
	}

	if err := b.MarkOffline(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if online, _ := b.IsOnline(ctx, "alice"); online {
		t.Fatal("alice still online after MarkOffline")
	}
}

func TestRedisPresenceBackendDeliversPublishedEvents(t *testing.T) {
	b, _ := newRedisBackend(t)
	ctx := context.Background()

	got := make(chan *model.PresenceEvent, 1)
	if err := b.Start(ctx, func(e *model.PresenceEvent) { got <- e }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.Close()

	sent := &model.PresenceEvent{UserID: "alice", Status: "idle", Recipients: []string{"bob"}, InstanceID: "gw-1"}
	if err := b.Publish(ctx, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-got:
		if e.UserID != "alice" || e.Status != "idle" || e.InstanceID != "gw-1" || len(e.Recipients) != 1 {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRedisPresenceBackendCloseStopsDelivery(t *testing.T) {
	b, _ := newRedisBackend(t)
	if err := b.Start(context.Background(), func(*model.PresenceEvent) {}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
