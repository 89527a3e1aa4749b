package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/go-redis/redis/v8"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/redis"
)

const (
	onlineUsersKey         = "online_users"
	DefaultPresenceChannel = "gateway:presence"
)

// RedisPresenceBackend 基于 Redis 在线集合与 pub/sub 的多实例实现
type RedisPresenceBackend struct {
	client  *redis.RedisClient
	channel string
	log     logger.Logger

	mu     sync.Mutex
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPresenceBackend 创建 Redis 后端
func NewRedisPresenceBackend(client *redis.RedisClient, channel string, log logger.Logger) *RedisPresenceBackend {
	if channel == "" {
		channel = DefaultPresenceChannel
	}
	return &RedisPresenceBackend{client: client, channel: channel, log: log}
}

// Start 订阅频道，确认订阅成功后返回
func (b *RedisPresenceBackend) Start(ctx context.Context, deliver func(*model.PresenceEvent)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.pubsub = pubsub
	b.cancel = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event model.PresenceEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Warn(runCtx, "Discarding malformed presence event", logger.F("error", err.Error()))
					continue
				}
				deliver(&event)
			}
		}
	}()
	return nil
}

// Publish 发布到所有实例（包括自身）
func (b *RedisPresenceBackend) Publish(ctx context.Context, event *model.PresenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	_, err = b.client.Publish(ctx, b.channel, data)
	return err
}

func (b *RedisPresenceBackend) MarkOnline(ctx context.Context, userID string) error {
	return b.client.SAdd(ctx, onlineUsersKey, userID)
}

func (b *RedisPresenceBackend) MarkOffline(ctx context.Context, userID string) error {
	return b.client.SRem(ctx, onlineUsersKey, userID)
}

// IsOnline 查询全局在线集合
func (b *RedisPresenceBackend) IsOnline(ctx context.Context, userID string) (bool, error) {
	return b.client.SIsMember(ctx, onlineUsersKey, userID)
}

func (b *RedisPresenceBackend) Close() error {
	b.mu.Lock()
	pubsub, cancel := b.pubsub, b.cancel
	b.pubsub, b.cancel = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	b.wg.Wait()
	return err
}
