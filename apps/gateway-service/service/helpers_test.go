package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/auth"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

var testJWT = &auth.JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}

// fakeTransport 记录写出的帧与关闭码
type fakeTransport struct {
	frames chan []byte

	mu        sync.Mutex
	closeCode int
	closed    bool
	pings     int
	pingErr   error
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:   make(chan []byte, 256),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return errors.New("use of closed connection")
	}
	f.frames <- append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch messageType {
	case websocket.CloseMessage:
		if len(data) >= 2 {
			f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		}
	case websocket.PingMessage:
		if f.pingErr != nil {
			return f.pingErr
		}
		f.pings++
	}
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeTransport) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-f.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not closed")
	}
}

func (f *fakeTransport) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case data := <-f.frames:
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return protocol.Frame{}
	}
}

func (f *fakeTransport) nextRaw(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.frames:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// nextDispatch 读取下一帧并断言为指定事件
func (f *fakeTransport) nextDispatch(t *testing.T, event string, payload interface{}) {
	t.Helper()
	frame := f.next(t)
	if frame.Op != protocol.OpDispatch || frame.T != event {
		t.Fatalf("got op=%s t=%q, want DISPATCH %s", frame.Op, frame.T, event)
	}
	if payload != nil {
		if err := json.Unmarshal(frame.D, payload); err != nil {
			t.Fatalf("decode %s payload: %v", event, err)
		}
	}
}

func (f *fakeTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case data := <-f.frames:
		t.Fatalf("unexpected frame %s", data)
	case <-time.After(wait):
	}
}

// fakeStore 内存版 GatewayDAO
type fakeStore struct {
	mu           sync.Mutex
	friends      map[string][]string
	members      map[string][]string
	participants map[string][]string
	channels     map[string]*model.Channel
	statuses     map[string]string
	statusCalls  []string
	statusErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		friends:      make(map[string][]string),
		members:      make(map[string][]string),
		participants: make(map[string][]string),
		channels:     make(map[string]*model.Channel),
		statuses:     make(map[string]string),
	}
}

func (s *fakeStore) befriend(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.friends[a] = append(s.friends[a], b)
	s.friends[b] = append(s.friends[b], a)
}

func (s *fakeStore) GetFriendIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.friends[userID]...), nil
}

func (s *fakeStore) GetServerMemberIDs(_ context.Context, serverID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.members[serverID]...), nil
}

func (s *fakeStore) GetDMParticipantIDs(_ context.Context, channelID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.participants[channelID]...), nil
}

func (s *fakeStore) GetChannelByID(_ context.Context, channelID string) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channelID], nil
}

func (s *fakeStore) SetUserStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls = append(s.statusCalls, userID+":"+status)
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses[userID] = status
	return nil
}

func (s *fakeStore) status(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[userID]
}

func (s *fakeStore) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusCalls...)
}

func testLogger(t *testing.T) logger.Logger {
	return logger.NewWithZap(zaptest.NewLogger(t))
}

func newTestService(t *testing.T, store dao.GatewayDAO, mutate ...func(*Options)) *Service {
	t.Helper()
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.HandshakeTimeout = time.Minute
	for _, fn := range mutate {
		fn(&opts)
	}

	svc := NewService(Dependencies{
		Store:    store,
		Verifier: auth.NewVerifier(testJWT),
		Logger:   testLogger(t),
	}, opts)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, testJWT)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func frameOf(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Opcode(), err)
	}
	return data
}

// connect 建立连接并完成握手，消费掉 HELLO
func connect(t *testing.T, svc *Service, userID string) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	conn := svc.Accept(ft, ConnInfo{RemoteAddr: "127.0.0.1:0"})
	svc.HandleFrame(context.Background(), conn, frameOf(t, &protocol.Identify{Token: tokenFor(t, userID)}))

	frame := ft.next(t)
	if frame.Op != protocol.OpHello {
		t.Fatalf("%s: got %s, want HELLO", userID, frame.Op)
	}
	return conn, ft
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// gatedStore 第一次写入 gate 指定的状态时阻塞，直到 release 被关闭
type gatedStore struct {
	*fakeStore
	gate    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(gate string) *gatedStore {
	return &gatedStore{
		fakeStore: newFakeStore(),
		gate:      gate,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (s *gatedStore) SetUserStatus(ctx context.Context, userID, status string) error {
	if userID+":"+status == s.gate {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.fakeStore.SetUserStatus(ctx, userID, status)
}
