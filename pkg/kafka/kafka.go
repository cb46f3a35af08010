package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"snippet-notify/pkg/logger"
)

// KafkaConfig 配置
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// Producer 同步生产者，发送结果直接返回给调用方
type Producer struct {
	producer sarama.SyncProducer
}

// Consumer 消费者组
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	ready   chan struct{}
	done    chan struct{}
	log     logger.Logger
	Handler ConsumerHandler
}

// ConsumerHandler 消息处理；返回 nil 时提交位点
type ConsumerHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// InitProducer 初始化生产者
func InitProducer(brokers []string) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return &Producer{producer: producer}, nil
}

// NewProducer 使用已有的 SyncProducer，便于测试时注入 mocks
func NewProducer(p sarama.SyncProducer) *Producer {
	return &Producer{producer: p}
}

// SendMessage 发送消息，相同 key 落在同一分区
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}
	injectTrace(ctx, msg)
	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.producer.Close()
}

// InitConsumer 初始化消费者
func InitConsumer(cfg KafkaConfig, handler ConsumerHandler, log logger.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group: %w", err)
	}
	return &Consumer{
		group:   group,
		topics:  cfg.Topics,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
		Handler: handler,
	}, nil
}

// StartConsuming 启动消费，阻塞到首次 rebalance 完成或 ctx 结束
func (c *Consumer) StartConsuming(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.log.Warn(ctx, "Kafka consumer error", logger.F("error", err))
		}
	}()
	go func() {
		defer close(c.done)
		for {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.log.Error(ctx, "Error from consumer", logger.F("error", err))
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

// Close 关闭消费者组并等待消费循环退出
func (c *Consumer) Close() error {
	err := c.group.Close()
	<-c.done
	return err
}

// Setup sarama.ConsumerGroupHandler
func (c *Consumer) Setup(_ sarama.ConsumerGroupSession) error {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
	return nil
}

// Cleanup sarama.ConsumerGroupHandler
func (c *Consumer) Cleanup(_ sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim 消费消息
func (c *Consumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.Handler.HandleMessage(extractTrace(sess.Context(), msg), msg); err != nil {
				c.log.Warn(sess.Context(), "Failed to handle kafka message",
					logger.F("topic", msg.Topic),
					logger.F("partition", msg.Partition),
					logger.F("offset", msg.Offset),
					logger.F("error", err))
				continue
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
