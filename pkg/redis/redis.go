// Package redis 多实例在线状态使用的 Redis 访问
package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config 连接参数
type Config struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

// RedisClient 在线集合与 pub/sub 的窄封装
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient 创建Redis客户端，不做连通性检查
func NewRedisClient(cfg Config) *RedisClient {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return &RedisClient{client: redis.NewClient(opts)}
}

// GetClient 底层客户端
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Ping 连通性检查
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SAdd 加入集合
func (r *RedisClient) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SAdd(ctx, key, members...).Err()
}

// SRem 移出集合
func (r *RedisClient) SRem(ctx context.Context, key string, members ...interface{}) error {
	return r.client.SRem(ctx, key, members...).Err()
}

func (r *RedisClient) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

// Publish 发布到频道，返回收到消息的订阅者数量
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) (int64, error) {
	return r.client.Publish(ctx, channel, message).Result()
}

// Subscribe 订阅频道，调用方负责 Close
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.client.Subscribe(ctx, channels...)
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}
