package kafka

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap/zaptest"

	"goim-gateway/pkg/logger"
)

var errStore = errors.New("store unavailable")

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	msgs chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

// claimFrom 从 offset 开始投递 [from, to) 的消息
func claimFrom(from, to int64) *fakeClaim {
	msgs := make(chan *sarama.ConsumerMessage, to-from)
	for off := from; off < to; off++ {
		msgs <- &sarama.ConsumerMessage{Topic: "gateway-dispatch", Offset: off}
	}
	close(msgs)
	return &fakeClaim{msgs: msgs}
}

// flakyHandler 对指定位点失败 failures 次
type flakyHandler struct {
	mu       sync.Mutex
	failOn   int64
	failures int
	seen     []int64
}

func (h *flakyHandler) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg.Offset)
	if msg.Offset == h.failOn && h.failures > 0 {
		h.failures--
		return errStore
	}
	return nil
}

func newTestConsumer(t *testing.T, h ConsumerHandler, retries uint64) *Consumer {
	return &Consumer{
		log:     logger.NewWithZap(zaptest.NewLogger(t)),
		Handler: h,
		Retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
		},
	}
}

func TestConsumeClaimRetriesInPlace(t *testing.T) {
	h := &flakyHandler{failOn: 1, failures: 2}
	c := newTestConsumer(t, h, 3)
	sess := &fakeSession{ctx: context.Background()}

	if err := c.ConsumeClaim(sess, claimFrom(0, 3)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if want := []int64{0, 1, 1, 1, 2}; !reflect.DeepEqual(h.seen, want) {
		t.Errorf("seen = %v, want %v", h.seen, want)
	}
	if want := []int64{0, 1, 2}; !reflect.DeepEqual(sess.marked, want) {
		t.Errorf("marked = %v, want %v", sess.marked, want)
	}
}

func TestConsumeClaimLeavesFailedRecordForRedelivery(t *testing.T) {
	h := &flakyHandler{failOn: 1, failures: 2}
	c := newTestConsumer(t, h, 1)

	first := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(first, claimFrom(0, 3)); !errors.Is(err, errStore) {
		t.Fatalf("consume err = %v, want errStore", err)
	}
	if want := []int64{0}; !reflect.DeepEqual(first.marked, want) {
		t.Fatalf("marked = %v, want %v", first.marked, want)
	}

	// 重新加入消费组后从最后提交位点之后继续
	next := first.marked[len(first.marked)-1] + 1
	second := &fakeSession{ctx: context.Background()}
	if err := c.ConsumeClaim(second, claimFrom(next, 3)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if want := []int64{0, 1, 1, 1, 2}; !reflect.DeepEqual(h.seen, want) {
		t.Errorf("seen = %v, want %v", h.seen, want)
	}
	if want := []int64{1, 2}; !reflect.DeepEqual(second.marked, want) {
		t.Errorf("marked = %v, want %v", second.marked, want)
	}
}

func TestConsumeClaimStopsRetryingWhenSessionEnds(t *testing.T) {
	h := &flakyHandler{failOn: 0, failures: 1 << 30}
	c := newTestConsumer(t, h, 1<<20)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &fakeSession{ctx: ctx}

	if err := c.ConsumeClaim(sess, claimFrom(0, 2)); err == nil {
		t.Fatal("want error once the session context is done")
	}
	if len(sess.marked) != 0 {
		t.Errorf("marked = %v, want none", sess.marked)
	}
}
