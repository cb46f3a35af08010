package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"snippet-notify/apps/notify-service/model"
)

// Publisher 消息发布者，由 pkg/kafka.Producer 实现
type Publisher interface {
	SendMessage(ctx context.Context, topic string, key, value []byte) error
}

// KafkaSink 将连接/消息事件发布到 Kafka，按用户分区保证同一用户的事件有序
type KafkaSink struct {
	publisher Publisher
	topic     string
}

// NewKafkaSink 创建 Kafka 事件订阅者
func NewKafkaSink(publisher Publisher, topic string) *KafkaSink {
	return &KafkaSink{publisher: publisher, topic: topic}
}

// Name 订阅者名称
func (s *KafkaSink) Name() string { return "kafka" }

// Handle 发布事件
func (s *KafkaSink) Handle(ctx context.Context, ev model.Event) error {
	payload, key, err := encode(ev)
	if err != nil {
		return err
	}
	return s.publisher.SendMessage(ctx, s.topic, key, payload)
}

// eventMessage Kafka 中的事件格式
type eventMessage struct {
	Kind       string                 `json:"kind"`
	Connection *model.ConnectionEvent `json:"connection,omitempty"`
	Message    *model.MessageEvent    `json:"message,omitempty"`
}

func encode(ev model.Event) ([]byte, []byte, error) {
	msg := eventMessage{Connection: ev.Connection, Message: ev.Message}
	var key string
	switch {
	case ev.Connection != nil:
		msg.Kind = "connection"
		key = ev.Connection.UserID
	case ev.Message != nil:
		msg.Kind = "message"
		key = ev.Message.UserID
		if key == "" {
			key = ev.Message.MessageID
		}
	default:
		return nil, nil, fmt.Errorf("empty event")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return payload, []byte(key), nil
}
