package natsx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Config NATS 客户端配置
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client NATS 客户端，只使用 Core 模式（无持久化）
type Client struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewClient 连接 NATS
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect nats: %w", err)
	}
	return &Client{nc: nc}, nil
}

// Publish 发布消息
func (c *Client) Publish(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe 订阅主题，handler 在 NATS 的回调协程中执行
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) error {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("subscribe %s failed: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Health 连接断开（含重连中）时返回错误
func (c *Client) Health(context.Context) error {
	if status := c.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close 排空订阅后关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Drain()
	}
	c.subs = nil
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}
