package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"

	"goim-gateway/pkg/logger"
)

// KafkaConfig 配置
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 异步生产者，发送失败只记录日志
type Producer struct {
	asyncProducer sarama.AsyncProducer
	log           logger.Logger
	wg            sync.WaitGroup
}

// Consumer 消费者组
type Consumer struct {
	group     sarama.ConsumerGroup
	topics    []string
	ready     chan struct{}
	readyOnce sync.Once
	log       logger.Logger
	Handler   ConsumerHandler
	// Retry 处理失败时的原地重试策略，为 nil 时使用 DefaultRetry
	Retry func() backoff.BackOff
}

// DefaultRetry 默认重试：指数退避，最多重试 5 次
func DefaultRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// ConsumerHandler 处理单条消息；返回 nil 时提交位点
type ConsumerHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, log logger.Logger) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = false
	config.Producer.Return.Errors = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducer(producer, log), nil
}

// NewProducer 包装已有的 AsyncProducer 并启动错误回收协程
func NewProducer(producer sarama.AsyncProducer, log logger.Logger) *Producer {
	p := &Producer{asyncProducer: producer, log: log}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for perr := range producer.Errors() {
			p.log.Error(context.Background(), "Kafka produce failed",
				logger.F("topic", perr.Msg.Topic),
				logger.F("error", perr.Err.Error()))
		}
	}()
	return p
}

// SendMessage 发送消息
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	select {
	case p.asyncProducer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	err := p.asyncProducer.Close()
	p.wg.Wait()
	return err
}

// InitConsumer 初始化消费者
func InitConsumer(cfg KafkaConfig, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	c := &Consumer{
		group:   group,
		topics:  cfg.Topics,
		ready:   make(chan struct{}),
		log:     log,
		Handler: handler,
		Retry:   DefaultRetry,
	}
	return c, nil
}

// StartConsuming 启动消费，首次分配分区或 ctx 结束后返回
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.Error(ctx, "Error from consumer", logger.F("error", err.Error()))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭消费者组
func (c *Consumer) Close() error {
	return c.group.Close()
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
//
// 处理失败先原地重试；重试耗尽后不提交位点并退出本轮会话，
// 重新加入消费组后从该条消息开始重新投递。
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := c.handle(ctx, msg); err != nil {
			c.log.Error(ctx, "Kafka message not handled, leaving offset uncommitted",
				logger.F("topic", msg.Topic),
				logger.F("partition", msg.Partition),
				logger.F("offset", msg.Offset),
				logger.F("error", err.Error()))
			return fmt.Errorf("failed to handle %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	retry := c.Retry
	if retry == nil {
		retry = DefaultRetry
	}
	op := func() error {
		return c.Handler.HandleMessage(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn(ctx, "Kafka message not handled, retrying",
			logger.F("topic", msg.Topic),
			logger.F("offset", msg.Offset),
			logger.F("wait", wait.String()),
			logger.F("error", err.Error()))
	}
	return backoff.RetryNotify(op, backoff.WithContext(retry(), ctx), notify)
}
