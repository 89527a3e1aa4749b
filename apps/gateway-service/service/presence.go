package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// PresenceBackend 在线状态事件的分发通道
//
// 内存实现同步投递给本实例；Redis/NATS 实现经由订阅投递给所有实例，
// 每个实例只写本地注册表中的接收者。
type PresenceBackend interface {
	Start(ctx context.Context, deliver func(*model.PresenceEvent)) error
	Publish(ctx context.Context, event *model.PresenceEvent) error
	MarkOnline(ctx context.Context, userID string) error
	MarkOffline(ctx context.Context, userID string) error
	Close() error
}

// Presence 在线状态广播
type Presence struct {
	store      dao.GatewayDAO
	registry   *Registry
	dispatcher *Dispatcher
	backend    PresenceBackend
	publisher  EventPublisher
	instanceID string
	log        logger.Logger

	mu       sync.RWMutex
	statuses map[string]string
}

// NewPresence 创建在线状态广播器；backend 为 nil 时使用内存实现
func NewPresence(store dao.GatewayDAO, registry *Registry, dispatcher *Dispatcher, backend PresenceBackend,
	publisher EventPublisher, instanceID string, log logger.Logger) *Presence {
	if backend == nil {
		backend = NewMemoryPresenceBackend()
	}
	if publisher == nil {
		publisher = nopEventPublisher{}
	}
	return &Presence{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		backend:    backend,
		publisher:  publisher,
		instanceID: instanceID,
		log:        log,
		statuses:   make(map[string]string),
	}
}

// Start 启动后端订阅
func (p *Presence) Start(ctx context.Context) error {
	return p.backend.Start(ctx, p.deliver)
}

// Close 关闭后端
func (p *Presence) Close() error {
	return p.backend.Close()
}

// UpdateStatus 先持久化再广播给已接受的好友
//
// 持久化失败只记录并返回错误，广播照常进行。
func (p *Presence) UpdateStatus(ctx context.Context, userID, status string) error {
	var errs []error

	if err := p.store.SetUserStatus(ctx, userID, status); err != nil {
		p.log.Error(ctx, "Failed to persist user status",
			logger.F("user_id", userID),
			logger.F("status", status),
			logger.F("error", err.Error()))
		errs = append(errs, fmt.Errorf("failed to persist status: %w", err))
	}

	p.track(userID, status)
	if status == protocol.StatusOffline {
		if err := p.backend.MarkOffline(ctx, userID); err != nil {
			p.log.Warn(ctx, "Failed to mark user offline", logger.F("user_id", userID), logger.F("error", err.Error()))
		}
	} else if err := p.backend.MarkOnline(ctx, userID); err != nil {
		p.log.Warn(ctx, "Failed to mark user online", logger.F("user_id", userID), logger.F("error", err.Error()))
	}

	friendIDs, err := p.store.GetFriendIDs(ctx, userID)
	if err != nil {
		p.log.Error(ctx, "Failed to resolve friends for presence", logger.F("user_id", userID), logger.F("error", err.Error()))
		errs = append(errs, fmt.Errorf("failed to get friends: %w", err))
		return errors.Join(errs...)
	}

	recipients := make([]string, 0, len(friendIDs))
	for _, id := range dedupe(friendIDs) {
		if id != userID {
			recipients = append(recipients, id)
		}
	}

	event := &model.PresenceEvent{
		UserID:     userID,
		Status:     status,
		Recipients: recipients,
		InstanceID: p.instanceID,
		At:         time.Now().UnixMilli(),
	}

	if len(recipients) > 0 {
		if err := p.backend.Publish(ctx, event); err != nil {
			p.log.Error(ctx, "Failed to publish presence", logger.F("user_id", userID), logger.F("error", err.Error()))
			errs = append(errs, fmt.Errorf("failed to publish presence: %w", err))
		}
	}
	if err := p.publisher.PublishPresence(ctx, event); err != nil {
		p.log.Warn(ctx, "Failed to emit presence event", logger.F("user_id", userID), logger.F("error", err.Error()))
	}

	return errors.Join(errs...)
}

// deliver 把事件写给本地在线的接收者
func (p *Presence) deliver(event *model.PresenceEvent) {
	payload := protocol.PresencePayload{UserID: event.UserID, Status: event.Status}
	p.dispatcher.SendToUsers(event.Recipients, protocol.EventPresenceUpdate, payload)
}

// Status 连接感知的在线状态：未连接为 offline，否则为最近一次设置的状态
func (p *Presence) Status(userID string) string {
	if _, ok := p.registry.Lookup(userID); !ok {
		return protocol.StatusOffline
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if status, ok := p.statuses[userID]; ok {
		return status
	}
	return protocol.StatusOnline
}

// Statuses 批量查询
func (p *Presence) Statuses(userIDs []string) map[string]string {
	out := make(map[string]string, len(userIDs))
	for _, id := range userIDs {
		out[id] = p.Status(id)
	}
	return out
}

// Forget 连接释放后清除状态覆盖
func (p *Presence) Forget(userID string) {
	p.mu.Lock()
	delete(p.statuses, userID)
	p.mu.Unlock()
}

func (p *Presence) track(userID, status string) {
	p.mu.Lock()
	p.statuses[userID] = status
	p.mu.Unlock()
}

// MemoryPresenceBackend 单实例内存实现，Publish 同步投递
type MemoryPresenceBackend struct {
	mu      sync.RWMutex
	deliver func(*model.PresenceEvent)
}

// NewMemoryPresenceBackend 创建内存后端
func NewMemoryPresenceBackend() *MemoryPresenceBackend {
	return &MemoryPresenceBackend{}
}

func (b *MemoryPresenceBackend) Start(_ context.Context, deliver func(*model.PresenceEvent)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *MemoryPresenceBackend) Publish(_ context.Context, event *model.PresenceEvent) error {
	b.mu.RLock()
	deliver := b.deliver
	b.mu.RUnlock()
	if deliver == nil {
		return errors.New("presence backend not started")
	}
	deliver(event)
	return nil
}

func (b *MemoryPresenceBackend) MarkOnline(context.Context, string) error  { return nil }
func (b *MemoryPresenceBackend) MarkOffline(context.Context, string) error { return nil }
func (b *MemoryPresenceBackend) Close() error                              { return nil }
