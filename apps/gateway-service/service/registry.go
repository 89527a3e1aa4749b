package service

import "sync"

// Registry 用户ID到存活连接的映射，每个用户至多一条连接
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	locksMu sync.Mutex
	locks   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry 创建连接注册表
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Connection),
		locks: make(map[string]*userLock),
	}
}

// LockUser 按用户串行化上线与下线流程，返回解锁函数
//
// 登记/注销与随后的状态写入必须在同一把锁内完成，
// 否则旧连接的离线广播可能晚于新连接的上线广播。
func (r *Registry) LockUser(userID string) (unlock func()) {
	r.locksMu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, userID)
		}
		r.locksMu.Unlock()
	}
}

// Register 登记连接，覆盖同一用户的旧连接并返回旧连接；旧连接不会被关闭
func (r *Registry) Register(userID string, conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[userID]
	r.conns[userID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Lookup 查找用户当前连接
func (r *Registry) Lookup(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[userID]
	return conn, ok
}

// Unregister 仅当登记的仍是 conn 时才移除，返回是否移除
func (r *Registry) Unregister(userID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[userID]; ok && current == conn {
		delete(r.conns, userID)
		return true
	}
	return false
}

// Count 在线用户数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections 当前所有连接的快照
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}
