package service

import (
	"context"
	"sync"
	"time"

	"goim-gateway/pkg/logger"
)

// HeartbeatMonitor 传输层存活检测
//
// 每个周期：上一周期未收到 pong 的连接直接断开，其余连接标记为未存活并发送 ping。
// 失联的对端最迟在两个周期内被断开。
type HeartbeatMonitor struct {
	interval time.Duration
	log      logger.Logger

	mu    sync.Mutex
	conns map[*Connection]struct{}

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewHeartbeatMonitor 创建监控器
func NewHeartbeatMonitor(interval time.Duration, log logger.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		interval: interval,
		log:      log,
		conns:    make(map[*Connection]struct{}),
		stop:     make(chan struct{}),
	}
}

// Add 纳入监控
func (m *HeartbeatMonitor) Add(conn *Connection) {
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
}

// Remove 移出监控
func (m *HeartbeatMonitor) Remove(conn *Connection) {
	m.mu.Lock()
	delete(m.conns, conn)
	m.mu.Unlock()
}

// Len 监控中的连接数
func (m *HeartbeatMonitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Start 启动检测协程
func (m *HeartbeatMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop 停止检测协程
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// Sweep 执行一轮检测，返回本轮断开的连接数
func (m *HeartbeatMonitor) Sweep() int {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	terminated := 0
	for _, conn := range conns {
		if !conn.swapAlive() {
			m.log.Info(context.Background(), "Terminating unresponsive connection",
				logger.F("connection_id", conn.ID()),
				logger.F("user_id", conn.UserID()),
				logger.F("last_pong_at", conn.LastPongAt()))
			m.Remove(conn)
			conn.Terminate("heartbeat timeout")
			terminated++
			continue
		}
		if err := conn.Ping(); err != nil {
			m.log.Warn(context.Background(), "Ping failed",
				logger.F("connection_id", conn.ID()),
				logger.F("error", err.Error()))
			m.Remove(conn)
			conn.Terminate("ping failed")
			terminated++
		}
	}
	return terminated
}
