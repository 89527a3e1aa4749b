package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/metrics"
	"goim-gateway/pkg/protocol"
)

// TokenVerifier 校验 IDENTIFY 携带的令牌，返回用户ID
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Options 网关运行参数
type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	StoreTimeout      time.Duration
	SendBuffer        int
	InboundBuffer     int
	MaxMessageSize    int64
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		InstanceID:        "gateway-1",
		HeartbeatInterval: 30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		StoreTimeout:      5 * time.Second,
		SendBuffer:        256,
		InboundBuffer:     256,
		MaxMessageSize:    64 * 1024,
	}
}

func (o *Options) withDefaults() {
	d := DefaultOptions()
	if o.InstanceID == "" {
		o.InstanceID = d.InstanceID
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = d.StoreTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = d.InboundBuffer
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
}

// Dependencies 网关依赖；Backend、Publisher、Journal、Metrics、Tracer 可为空
type Dependencies struct {
	Store     dao.GatewayDAO
	Verifier  TokenVerifier
	Registry  *Registry
	Backend   PresenceBackend
	Publisher EventPublisher
	Journal   dao.SessionJournal
	Metrics   *metrics.GatewayMetrics
	Logger    logger.Logger
	Tracer    trace.Tracer
}

// ConnInfo 连接建立时的对端信息
type ConnInfo struct {
	RemoteAddr string
	UserAgent  string
}

// Service 网关核心：握手、心跳、帧分发与连接释放
type Service struct {
	opts     Options
	verifier TokenVerifier
	registry *Registry
	journal  dao.SessionJournal
	metrics  *metrics.GatewayMetrics
	log      logger.Logger
	tracer   trace.Tracer

	dispatcher *Dispatcher
	presence   *Presence
	fanout     *Fanout
	calls      *CallRelay
	voice      *Voice
	monitor    *HeartbeatMonitor

	mu      sync.Mutex
	conns   map[*Connection]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewService 创建网关服务
func NewService(deps Dependencies, opts Options) *Service {
	opts.withDefaults()

	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	if deps.Journal == nil {
		deps.Journal = dao.NopSessionJournal
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("gateway-service")
	}

	dispatcher := NewDispatcher(deps.Registry, deps.Metrics, deps.Logger)
	fanout := NewFanout(deps.Store, dispatcher)

	return &Service{
		opts:       opts,
		verifier:   deps.Verifier,
		registry:   deps.Registry,
		journal:    deps.Journal,
		metrics:    deps.Metrics,
		log:        deps.Logger,
		tracer:     deps.Tracer,
		dispatcher: dispatcher,
		presence:   NewPresence(deps.Store, deps.Registry, dispatcher, deps.Backend, deps.Publisher, opts.InstanceID, deps.Logger),
		fanout:     fanout,
		calls:      NewCallRelay(dispatcher, deps.Metrics, deps.Logger),
		voice:      NewVoice(deps.Store, dispatcher),
		monitor:    NewHeartbeatMonitor(opts.HeartbeatInterval, deps.Logger),
		conns:      make(map[*Connection]struct{}),
	}
}

func (s *Service) Registry() *Registry        { return s.registry }
func (s *Service) Presence() *Presence        { return s.presence }
func (s *Service) Fanout() *Fanout            { return s.fanout }
func (s *Service) Monitor() *HeartbeatMonitor { return s.monitor }
func (s *Service) Options() Options           { return s.opts }

// Start 启动在线状态订阅和心跳检测
func (s *Service) Start(ctx context.Context) error {
	if err := s.presence.Start(ctx); err != nil {
		return err
	}
	s.monitor.Start()
	s.log.Info(ctx, "Gateway service started",
		logger.F("instance_id", s.opts.InstanceID),
		logger.F("heartbeat_interval", s.opts.HeartbeatInterval.String()))
	return nil
}

// Shutdown 以 1001 关闭全部连接并等待释放流程结束
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	conns := make([]*Connection, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.log.Info(ctx, "Closing gateway connections", logger.F("count", len(conns)))
	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.monitor.Stop()
	if cerr := s.presence.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Accept 登记新连接：启动写协程、握手计时器与释放监听
func (s *Service) Accept(transport Transport, info ConnInfo) *Connection {
	conn := NewConnection(uuid.NewString(), info.RemoteAddr, transport, s.opts.SendBuffer, s.opts.WriteTimeout)
	conn.onDrop = s.metrics.SendDropped

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		conn.Close(websocket.CloseGoingAway, "server shutting down")
		return conn
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.monitor.Add(conn)

	ctx := logger.WithConnectionID(context.Background(), conn.ID())
	s.withStore(ctx, func(ctx context.Context) {
		err := s.journal.RecordOpen(ctx, &model.SessionRecord{
			ConnectionID: conn.ID(),
			InstanceID:   s.opts.InstanceID,
			RemoteAddr:   info.RemoteAddr,
			UserAgent:    info.UserAgent,
			ConnectedAt:  time.Now().UTC(),
		})
		if err != nil {
			s.log.Warn(ctx, "Failed to journal connection", logger.F("error", err.Error()))
		}
	})

	timer := time.AfterFunc(s.opts.HandshakeTimeout, func() {
		if conn.expireHandshake("identify timeout") {
			s.metrics.FrameDropped("identify_timeout")
			s.log.Info(ctx, "Closing connection that never identified", logger.F("remote_addr", info.RemoteAddr))
		}
	})

	go func() {
		defer s.wg.Done()
		<-conn.Done()
		timer.Stop()
		s.release(ctx, conn)
	}()

	s.log.Debug(ctx, "Connection accepted", logger.F("remote_addr", info.RemoteAddr))
	return conn
}

// Serve 在已升级的 websocket 连接上运行读循环，连接关闭后返回
//
// 读协程只负责收帧和处理 pong，帧按序交给单独的处理协程，
// 存储延迟不会阻塞存活检测。
func (s *Service) Serve(ctx context.Context, ws *websocket.Conn, info ConnInfo) {
	conn := s.Accept(ws, info)

	ws.SetReadLimit(s.opts.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.HandlePong()
		return nil
	})

	connCtx := logger.WithConnectionID(context.WithoutCancel(ctx), conn.ID())
	inbound := make(chan []byte, s.opts.InboundBuffer)
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		for data := range inbound {
			s.HandleFrame(connCtx, conn, data)
		}
	}()

	defer func() {
		close(inbound)
		<-handled
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			reason := "read failed"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = "client closed"
			}
			s.log.Debug(connCtx, "Read loop ended", logger.F("reason", reason), logger.F("error", err.Error()))
			conn.Terminate(reason)
			return
		}
		select {
		case inbound <- data:
		case <-conn.Done():
			return
		}
	}
}

// HandleFrame 处理一帧入站数据
func (s *Service) HandleFrame(ctx context.Context, conn *Connection, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownOpcode) {
			reason = "unknown_opcode"
		}
		s.metrics.FrameDropped(reason)
		s.log.Warn(ctx, "Dropping inbound frame", logger.F("reason", reason), logger.F("error", err.Error()))
		return
	}
	s.metrics.FrameReceived(msg.Opcode().String())

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		s.sendAck(ctx, conn)
		return
	case *protocol.Identify:
		s.identify(ctx, conn, m)
		return
	}

	if conn.State() != StateIdentified {
		s.metrics.FrameDropped("unauthenticated")
		return
	}
	userID := conn.UserID()
	ctx = logger.WithUserID(ctx, userID)

	switch m := msg.(type) {
	case *protocol.PresenceUpdate:
		if !protocol.ValidStatus(m.Status) {
			s.metrics.FrameDropped("invalid_status")
			s.log.Debug(ctx, "Ignoring presence update with invalid status", logger.F("status", m.Status))
			return
		}
		s.withStore(ctx, func(ctx context.Context) {
			_ = s.presence.UpdateStatus(ctx, userID, m.Status)
		})
	case *protocol.VoiceStateUpdate:
		s.withStore(ctx, func(ctx context.Context) {
			if _, err := s.voice.Update(ctx, userID, m); err != nil {
				s.log.Error(ctx, "Voice state broadcast failed", logger.F("error", err.Error()))
			}
		})
	case *protocol.CallStart, *protocol.CallEnd, *protocol.CallOffer, *protocol.CallAnswer, *protocol.CallICECandidate:
		s.calls.Relay(ctx, userID, msg)
	default:
		s.metrics.FrameDropped("unexpected_opcode")
		s.log.Debug(ctx, "Ignoring frame not accepted from clients", logger.F("op", msg.Opcode().String()))
	}
}

func (s *Service) sendAck(ctx context.Context, conn *Connection) {
	frame, err := protocol.Encode(&protocol.HeartbeatAck{})
	if err != nil {
		return
	}
	if err := conn.Send(frame); err != nil {
		s.log.Debug(ctx, "Heartbeat ack not sent", logger.F("error", err.Error()))
	}
}

// identify 握手：失败发送 INVALID_SESSION 后关闭，成功则登记、上线并下发 HELLO
func (s *Service) identify(ctx context.Context, conn *Connection, m *protocol.Identify) {
	if conn.State() != StateUnauthenticated {
		s.log.Debug(ctx, "Ignoring repeated identify")
		return
	}

	ctx, span := s.tracer.Start(ctx, "gateway.identify")
	defer span.End()

	userID, err := s.verifier.VerifyToken(m.Token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		s.log.Warn(ctx, "Identify rejected", logger.F("error", err.Error()))

		if frame, encErr := protocol.Encode(&protocol.InvalidSession{}); encErr == nil {
			_ = conn.Send(frame)
		}
		conn.CloseAfterFlush(CloseAuthenticationFailed, "authentication failed")
		return
	}

	conn.sessionMu.Lock()
	defer conn.sessionMu.Unlock()

	if !conn.bind(userID) {
		return
	}
	span.SetAttributes(attribute.String("user.id", userID))
	ctx = logger.WithUserID(ctx, userID)

	unlock := s.registry.LockUser(userID)
	if prev := s.registry.Register(userID, conn); prev != nil {
		s.log.Info(ctx, "Replacing existing connection", logger.F("previous_connection_id", prev.ID()))
	}
	s.metrics.Identified()

	s.withStore(ctx, func(ctx context.Context) {
		if err := s.journal.RecordIdentify(ctx, conn.ID(), userID); err != nil {
			s.log.Warn(ctx, "Failed to journal identify", logger.F("error", err.Error()))
		}
		_ = s.presence.UpdateStatus(ctx, userID, protocol.StatusOnline)
	})
	unlock()

	hello, err := protocol.EncodeHello(s.opts.HeartbeatInterval.Milliseconds())
	if err != nil {
		return
	}
	if err := conn.Send(hello); err != nil {
		s.log.Warn(ctx, "Failed to send hello", logger.F("error", err.Error()))
		return
	}

	s.wg.Add(1)
	go s.heartbeatLoop(conn)

	s.log.Info(ctx, "Connection identified")
}

// heartbeatLoop HELLO 之后按间隔主动下发 HEARTBEAT
func (s *Service) heartbeatLoop(conn *Connection) {
	defer s.wg.Done()

	frame, err := protocol.Encode(&protocol.Heartbeat{})
	if err != nil {
		return
	}
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.Send(frame); errors.Is(err, ErrConnectionClosed) {
				return
			}
		}
	}
}

// release 连接关闭后的清理；仅当注册表中仍是该连接时广播离线，
// 与同一用户的 identify 互斥
func (s *Service) release(ctx context.Context, conn *Connection) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.monitor.Remove(conn)
	s.metrics.ConnectionClosed()

	conn.sessionMu.Lock()
	userID := conn.UserID()
	if userID != "" {
		ctx = logger.WithUserID(ctx, userID)
		s.metrics.Released()
		unlock := s.registry.LockUser(userID)
		if s.registry.Unregister(userID, conn) {
			s.withStore(ctx, func(ctx context.Context) {
				_ = s.presence.UpdateStatus(ctx, userID, protocol.StatusOffline)
			})
			s.presence.Forget(userID)
		} else {
			s.log.Debug(ctx, "Replaced connection closed")
		}
		unlock()
	}
	conn.sessionMu.Unlock()

	s.withStore(ctx, func(ctx context.Context) {
		if err := s.journal.RecordClose(ctx, conn.ID(), conn.CloseReason()); err != nil {
			s.log.Warn(ctx, "Failed to journal close", logger.F("error", err.Error()))
		}
	})
	s.log.Debug(ctx, "Connection released", logger.F("reason", conn.CloseReason()))
}

func (s *Service) withStore(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	fn(ctx)
}
