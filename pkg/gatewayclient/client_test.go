package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// fakeGateway 每个连接的服务端一侧交给测试驱动，客户端发来的帧汇总到 frames
type fakeGateway struct {
	t      *testing.T
	srv    *httptest.Server
	reject atomic.Bool

	conns  chan *websocket.Conn
	frames chan protocol.Message
	closes chan int
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{
		t:      t,
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan protocol.Message, 64),
		closes: make(chan int, 8),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					g.closes <- ce.Code
				}
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			g.frames <- msg
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) accept() *websocket.Conn {
	g.t.Helper()
	select {
	case conn := <-g.conns:
		return conn
	case <-time.After(2 * time.Second):
		g.t.Fatal("no connection from client")
		return nil
	}
}

func (g *fakeGateway) expect(op protocol.Opcode) protocol.Message {
	g.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-g.frames:
			if msg.Opcode() == op {
				return msg
			}
		case <-timeout:
			g.t.Fatalf("client never sent %s", op)
			return nil
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func newTestClient(t *testing.T, url string) *Client {
	return New(Options{
		URL:                  url,
		Token:                "tok",
		MaxReconnectAttempts: 3,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectInterval: 50 * time.Millisecond,
		InitialStatus:        protocol.StatusOnline,
		Logger:               logger.NewWithZap(zaptest.NewLogger(t)),
	})
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestReconnectBackOffSequence(t *testing.T) {
	c := New(DefaultOptions("ws://unused", ""))
	b := c.backOff()

	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("attempt %d: wait %v, want %v", i+1, got, w)
		}
	}
	if got := b.NextBackOff(); got != backoff.Stop {
		t.Fatalf("after max attempts: %v, want Stop", got)
	}

	b.Reset()
	if got := b.NextBackOff(); got != 2*time.Second {
		t.Fatalf("after reset: %v", got)
	}
}

func TestHandshakeAndHeartbeat(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	ready := make(chan time.Duration, 1)
	c.OnReady(func(interval time.Duration) { ready <- interval })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	conn := g.accept()
	id := g.expect(protocol.OpIdentify).(*protocol.Identify)
	if id.Token != "tok" {
		t.Errorf("token = %q", id.Token)
	}

	send(t, conn, &protocol.Hello{HeartbeatInterval: 20})

	p := g.expect(protocol.OpPresenceUpdate).(*protocol.PresenceUpdate)
	if p.Status != protocol.StatusOnline {
		t.Errorf("initial status = %q", p.Status)
	}
	select {
	case interval := <-ready:
		if interval != 20*time.Millisecond {
			t.Errorf("interval = %v", interval)
		}
	case <-time.After(time.Second):
		t.Fatal("ready callback not called")
	}
	g.expect(protocol.OpHeartbeat)
	g.expect(protocol.OpHeartbeat)
}

func TestDispatchReachesHandlers(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	got := make(chan json.RawMessage, 1)
	c.On(protocol.EventMessageCreate, func(data json.RawMessage) { got <- data })

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	conn := g.accept()
	data, _ := protocol.EncodeDispatch(protocol.EventMessageCreate, map[string]string{"id": "m1"})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	select {
	case d := <-got:
		if string(d) != `{"id":"m1"}` {
			t.Errorf("data = %s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestReconnectAfterAbnormalClose(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	first := g.accept()
	g.expect(protocol.OpIdentify)
	_ = first.Close()

	second := g.accept()
	id := g.expect(protocol.OpIdentify).(*protocol.Identify)
	if id.Token != "tok" {
		t.Errorf("token on reconnect = %q", id.Token)
	}
	send(t, second, &protocol.Hello{HeartbeatInterval: 1000})
	g.expect(protocol.OpPresenceUpdate)
}

func TestNoReconnectOnNormalClose(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := g.accept()
	g.expect(protocol.OpIdentify)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	waitDone(t, c)
	if err := c.Err(); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	select {
	case <-g.conns:
		t.Error("client reconnected after normal closure")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidSessionStopsClient(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := g.accept()
	g.expect(protocol.OpIdentify)
	send(t, conn, &protocol.InvalidSession{Resumable: false})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(4004, "Authentication failed"), time.Now().Add(time.Second))

	waitDone(t, c)
	if err := c.Err(); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("err = %v, want ErrInvalidSession", err)
	}
	select {
	case <-g.conns:
		t.Error("client reconnected after invalid session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectGivesUp(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	conn := g.accept()
	g.expect(protocol.OpIdentify)
	g.reject.Store(true)
	_ = conn.Close()

	waitDone(t, c)
	if err := c.Err(); !errors.Is(err, ErrReconnectFailed) {
		t.Errorf("err = %v, want ErrReconnectFailed", err)
	}
}

func TestCloseSendsNormalClosure(t *testing.T) {
	g := newFakeGateway(t)
	c := newTestClient(t, g.url())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	g.accept()
	g.expect(protocol.OpIdentify)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-g.closes:
		if code != websocket.CloseNormalClosure {
			t.Errorf("close code = %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("server saw no close frame")
	}
	if err := c.Send(&protocol.Heartbeat{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send after close = %v", err)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	c := New(DefaultOptions("ws://unused", ""))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, c)
	if err := c.Connect(context.Background()); err == nil {
		t.Error("connect after close succeeded")
	}
}
