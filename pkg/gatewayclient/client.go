// Package gatewayclient 网关长连接客户端：握手、心跳、断线重连与事件订阅
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

var (
	ErrNotConnected    = errors.New("gateway client not connected")
	ErrInvalidSession  = errors.New("gateway rejected the session")
	ErrClientClosed    = errors.New("gateway client closed")
	ErrReconnectFailed = errors.New("gateway reconnect attempts exhausted")

	errNormalClosure = errors.New("gateway closed the connection normally")
)

// helloTimeout IDENTIFY 之后等待 HELLO 的时间
const helloTimeout = 10 * time.Second

// Options 客户端参数
type Options struct {
	URL   string
	Token string

	Dialer *websocket.Dialer

	// 重连：第 n 次等待 ReconnectInterval·2^(n-1)，不超过 MaxReconnectInterval
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// InitialStatus HELLO 之后上报的在线状态，空则不上报
	InitialStatus string

	Logger logger.Logger
}

// DefaultOptions 默认参数
func DefaultOptions(url, token string) Options {
	return Options{
		URL:                  url,
		Token:                token,
		Dialer:               websocket.DefaultDialer,
		MaxReconnectAttempts: 5,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		InitialStatus:        protocol.StatusOnline,
	}
}

// Handler DISPATCH 事件回调，在读协程中串行执行
type Handler func(data json.RawMessage)

// Client 网关客户端
type Client struct {
	opts Options
	log  logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]Handler
	onReady  []func(heartbeatInterval time.Duration)
	started  bool
	closed   bool
	err      error

	writeMu sync.Mutex
	closing chan struct{}
	done    chan struct{}
}

// New 创建客户端，调用 Connect 后开始工作
func New(opts Options) *Client {
	d := DefaultOptions(opts.URL, opts.Token)
	if opts.Dialer == nil {
		opts.Dialer = d.Dialer
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = d.ReconnectInterval
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = d.MaxReconnectInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		handlers: make(map[string][]Handler),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// On 订阅 DISPATCH 事件
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnReady 每次收到 HELLO（包括重连后）回调
func (c *Client) OnReady(fn func(heartbeatInterval time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, fn)
}

// Connect 建立首个连接并发送 IDENTIFY；之后的断线由后台协程重连
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	go c.run(conn)
	return nil
}

// Done 客户端停止工作后关闭
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 停止原因；正常关闭为 nil
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 以 1000 关闭连接并停止重连
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn, started := c.conn, c.started
	c.mu.Unlock()
	close(c.closing)

	if !started {
		close(c.done)
		return nil
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	return nil
}

// Send 发送一帧
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	// 发送失败时读循环会立刻感知断线并走重连
	if err := c.Send(&protocol.Identify{Token: c.opts.Token}); err != nil {
		c.log.Warn(ctx, "Failed to send IDENTIFY", logger.F("error", err.Error()))
	}
	return conn, nil
}

// run 读循环，断线后按退避策略重连
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)

	retry := c.backOff()
	for {
		err := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()

		switch {
		case closed:
			c.finish(nil)
			return
		case errors.Is(err, errNormalClosure):
			c.finish(nil)
			return
		case errors.Is(err, ErrInvalidSession):
			c.finish(err)
			return
		}
		c.log.Warn(context.Background(), "Gateway connection lost", logger.F("error", err.Error()))

		conn = c.reconnect(retry)
		if conn == nil {
			return
		}
		retry.Reset()
	}
}

// reconnect 按退避间隔重试，放弃或被关闭时返回 nil
func (c *Client) reconnect(retry backoff.BackOff) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			c.finish(ErrReconnectFailed)
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-c.closing:
			timer.Stop()
			c.finish(nil)
			return nil
		case <-timer.C:
		}

		c.log.Info(context.Background(), "Reconnecting to gateway",
			logger.F("attempt", attempt), logger.F("wait", wait.String()))
		conn, err := c.dial(context.Background())
		if errors.Is(err, ErrClientClosed) {
			c.finish(nil)
			return nil
		}
		if err == nil {
			return conn
		}
		c.log.Warn(context.Background(), "Gateway reconnect failed", logger.F("error", err.Error()))
	}
}

func (c *Client) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = c.opts.MaxReconnectInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.opts.MaxReconnectAttempts))
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// readLoop 处理一个连接上的所有帧，返回断开原因
func (c *Client) readLoop(conn *websocket.Conn) error {
	stopHeartbeat := make(chan struct{})
	var heartbeat sync.WaitGroup
	defer func() {
		close(stopHeartbeat)
		heartbeat.Wait()
		_ = conn.Close()
	}()

	invalid := false
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if invalid {
				return ErrInvalidSession
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errNormalClosure
			}
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn(context.Background(), "Dropping gateway frame", logger.F("error", err.Error()))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Hello:
			conn.SetReadDeadline(time.Time{})
			interval := time.Duration(m.HeartbeatInterval) * time.Millisecond
			if interval <= 0 {
				interval = protocol.DefaultHeartbeatInterval * time.Millisecond
			}
			heartbeat.Add(1)
			go func() {
				defer heartbeat.Done()
				c.heartbeat(interval, stopHeartbeat)
			}()
			if c.opts.InitialStatus != "" {
				if err := c.Send(&protocol.PresenceUpdate{Status: c.opts.InitialStatus}); err != nil {
					return err
				}
			}
			c.ready(interval)
		case *protocol.InvalidSession:
			invalid = true
		case *protocol.Dispatch:
			c.dispatch(m)
		case *protocol.Reconnect:
			return errors.New("gateway requested reconnect")
		}
	}
}

func (c *Client) heartbeat(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Send(&protocol.Heartbeat{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) ready(interval time.Duration) {
	c.mu.Lock()
	fns := append([]func(time.Duration){}, c.onReady...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(interval)
	}
}

func (c *Client) dispatch(m *protocol.Dispatch) {
	c.mu.Lock()
	handlers := append([]Handler{}, c.handlers[m.Event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(m.Data)
	}
}

// UpdatePresence 变更在线状态
func (c *Client) UpdatePresence(status string) error {
	return c.Send(&protocol.PresenceUpdate{Status: status})
}

// UpdateVoiceState 加入或离开语音频道，channelID 为 nil 表示离开
func (c *Client) UpdateVoiceState(serverID string, channelID *string, selfMute, selfDeaf bool) error {
	return c.Send(&protocol.VoiceStateUpdate{
		ServerID:  serverID,
		ChannelID: channelID,
		SelfMute:  selfMute,
		SelfDeaf:  selfDeaf,
	})
}

// StartCall 向 userID 发起通话
func (c *Client) StartCall(userID, channelID, callType, callID string) error {
	return c.Send(&protocol.CallStart{UserID: userID, ChannelID: channelID, Type: callType, CallID: callID})
}

// EndCall 结束通话
func (c *Client) EndCall(userID, callID string) error {
	return c.Send(&protocol.CallEnd{UserID: userID, CallID: callID})
}

// SendOffer 发送 SDP offer
func (c *Client) SendOffer(userID, callID string, offer json.RawMessage) error {
	return c.Send(&protocol.CallOffer{UserID: userID, CallID: callID, Offer: offer})
}

// SendAnswer 发送 SDP answer
func (c *Client) SendAnswer(userID, callID string, answer json.RawMessage) error {
	return c.Send(&protocol.CallAnswer{UserID: userID, CallID: callID, Answer: answer})
}

// SendICECandidate 发送 ICE 候选
func (c *Client) SendICECandidate(userID, callID string, candidate json.RawMessage) error {
	return c.Send(&protocol.CallICECandidate{UserID: userID, CallID: callID, Candidate: candidate})
}
