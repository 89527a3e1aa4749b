package service

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// 应用层关闭码
const (
	CloseIdentifyTimeout      = 4003
	CloseAuthenticationFailed = 4004
)

// SessionState 连接握手状态
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateIdentified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateIdentified:
		return "identified"
	default:
		return "closed"
	}
}

// Transport 连接底层传输，*websocket.Conn 满足该接口
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// outbound 待写出的帧；closeCode 非零表示写完前面的帧后关闭连接
type outbound struct {
	data        []byte
	closeCode   int
	closeReason string
}

// Connection 一条客户端连接
//
// 所有数据帧由单个写协程写出；ping 与 close 走 WriteControl，可并发调用。
type Connection struct {
	id           string
	remoteAddr   string
	transport    Transport
	writeTimeout time.Duration

	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once

	// sessionMu 串行化握手成功与连接释放
	sessionMu sync.Mutex

	mu          sync.RWMutex
	userID      string
	state       SessionState
	closeReason string

	alive      atomic.Bool
	lastPongAt atomic.Int64

	onDrop func()
}

// NewConnection 创建连接并启动写协程
func NewConnection(id, remoteAddr string, transport Transport, sendBuffer int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		remoteAddr:   remoteAddr,
		transport:    transport,
		writeTimeout: writeTimeout,
		send:         make(chan outbound, sendBuffer),
		done:         make(chan struct{}),
		state:        StateUnauthenticated,
	}
	c.alive.Store(true)
	c.lastPongAt.Store(time.Now().UnixNano())

	go c.writeLoop()
	return c
}

// ID 连接ID
func (c *Connection) ID() string { return c.id }

// RemoteAddr 对端地址
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// UserID 绑定的用户ID，未握手时为空
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// State 握手状态
func (c *Connection) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CloseReason 关闭原因
func (c *Connection) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// Done 连接关闭后关闭的通道
func (c *Connection) Done() <-chan struct{} { return c.done }

// Send 非阻塞入队；缓冲区满时丢弃
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- outbound{data: data}:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
		return ErrSendBufferFull
	}
}

// CloseAfterFlush 写完已入队的帧后以 code 关闭
func (c *Connection) CloseAfterFlush(code int, reason string) {
	c.markClosing(reason)
	select {
	case c.send <- outbound{closeCode: code, closeReason: reason}:
	case <-c.done:
	default:
		c.Close(code, reason)
	}
}

// Close 立即发送关闭帧并断开
func (c *Connection) Close(code int, reason string) {
	c.shutdown(reason, func() {
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.transport.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	})
}

// Terminate 不发送关闭帧直接断开
func (c *Connection) Terminate(reason string) {
	c.shutdown(reason, nil)
}

func (c *Connection) shutdown(reason string, beforeClose func()) {
	c.closeOnce.Do(func() {
		c.markClosing(reason)
		if beforeClose != nil {
			beforeClose()
		}
		_ = c.transport.Close()
		close(c.done)
	})
}

func (c *Connection) markClosing(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.state = StateClosed
}

// bind 握手成功后绑定用户，仅在未认证状态下成功
func (c *Connection) bind(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnauthenticated {
		return false
	}
	c.userID = userID
	c.state = StateIdentified
	return true
}

// expireHandshake 握手超时，仅在仍未认证时关闭
func (c *Connection) expireHandshake(reason string) bool {
	c.mu.Lock()
	if c.state != StateUnauthenticated {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.closeReason = reason
	c.mu.Unlock()

	c.Close(CloseIdentifyTimeout, reason)
	return true
}

// Ping 发送传输层 ping
func (c *Connection) Ping() error {
	return c.transport.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// HandlePong 收到 pong
func (c *Connection) HandlePong() {
	c.alive.Store(true)
	c.lastPongAt.Store(time.Now().UnixNano())
}

// LastPongAt 最近一次 pong 时间
func (c *Connection) LastPongAt() time.Time {
	return time.Unix(0, c.lastPongAt.Load())
}

// swapAlive 置为未存活并返回之前的值
func (c *Connection) swapAlive() bool {
	return c.alive.Swap(false)
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if msg.closeCode != 0 {
				c.Close(msg.closeCode, msg.closeReason)
				return
			}
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.transport.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.Terminate("write failed: " + err.Error())
				return
			}
		}
	}
}
