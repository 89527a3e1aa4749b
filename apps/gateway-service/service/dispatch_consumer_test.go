package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/kafka"
	"goim-gateway/pkg/protocol"
)

func TestDispatchConsumerRoutesRecords(t *testing.T) {
	store := newFakeStore()
	store.channels["dm-1"] = &model.Channel{ID: "dm-1", Type: model.ChannelTypeDM}
	store.participants["dm-1"] = []string{"alice", "bob"}
	svc := newTestService(t, store)
	consumer := NewDispatchConsumer(svc.Fanout(), testLogger(t))

	_, alice := connect(t, svc, "alice")
	_, bob := connect(t, svc, "bob")

	records := []model.DispatchRecord{
		{Kind: model.DispatchKindChannel, Target: "dm-1", Event: protocol.EventMessageCreate, Payload: json.RawMessage(`{"id":"m1"}`)},
		{Kind: model.DispatchKindUser, Target: "bob", Event: protocol.EventFriendRequest, Payload: json.RawMessage(`{"id":"fr-1"}`)},
	}
	for i, record := range records {
		value, _ := json.Marshal(record)
		if err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: value, Offset: int64(i)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	alice.nextDispatch(t, protocol.EventMessageCreate, nil)
	bob.nextDispatch(t, protocol.EventMessageCreate, nil)
	bob.nextDispatch(t, protocol.EventFriendRequest, nil)
	alice.expectNone(t, 50*time.Millisecond)
}

func TestDispatchConsumerSkipsBadRecords(t *testing.T) {
	svc := newTestService(t, newFakeStore())
	consumer := NewDispatchConsumer(svc.Fanout(), testLogger(t))
	_, bob := connect(t, svc, "bob")

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"kind":"channel","target":"missing","event":"MESSAGE_CREATE"}`),
		[]byte(`{"kind":"broadcast","target":"x","event":"MESSAGE_CREATE"}`),
		[]byte(`{"kind":"user","event":"MESSAGE_CREATE"}`),
		[]byte(`{"kind":"user","target":"bob","event":"CALL_START","payload":{"from":"alice","callId":"x"}}`),
		[]byte(`{"kind":"user","target":"bob","event":"PRESENCE_UPDATE","payload":{"userId":"alice","status":"offline"}}`),
	}
	for _, value := range bad {
		if err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: value}); err != nil {
			t.Errorf("%s: err = %v, want skipped", value, err)
		}
	}
	bob.expectNone(t, 50*time.Millisecond)
}

func TestKafkaEventPublisher(t *testing.T) {
	mock := mocks.NewAsyncProducer(t, nil)
	mock.ExpectInputWithCheckerFunctionAndSucceed(func(value []byte) error {
		var event model.PresenceEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return err
		}
		if event.UserID != "alice" || event.Status != protocol.StatusIdle {
			t.Errorf("event = %+v", event)
		}
		return nil
	})

	producer := kafka.NewProducer(mock, testLogger(t))
	pub := NewKafkaEventPublisher(producer, "gateway.presence")

	err := pub.PublishPresence(context.Background(), &model.PresenceEvent{UserID: "alice", Status: protocol.StatusIdle})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
