package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/kafka"
	"snippet-notify/pkg/logger"
)

// 上游业务事件类型
const (
	EventCommentReply       = "comment_reply"
	EventInboxMessage       = "inbox_message"
	EventShareLink          = "share_link"
	EventSystemAnnouncement = "system_announcement"
)

// eventMessageTypes 未显式指定消息类型时按事件类型推断
var eventMessageTypes = map[string]string{
	EventCommentReply:       "notification",
	EventInboxMessage:       "user",
	EventShareLink:          "notification",
	EventSystemAnnouncement: "system",
}

// NotificationEvent notification-events topic 上的消息
type NotificationEvent struct {
	EventType string `json:"event_type"`
	model.SendRequest
}

// Sender 投递入口
type Sender interface {
	SendRequest(ctx context.Context, req model.SendRequest) (*model.Envelope, *model.SendResult, *model.BroadcastResult, error)
}

// NotificationConsumer 把上游通知事件转换为实时投递
type NotificationConsumer struct {
	sender   Sender
	consumer *kafka.Consumer
	log      logger.Logger
}

// NewNotificationConsumer 创建通知消费者
func NewNotificationConsumer(sender Sender, log logger.Logger) *NotificationConsumer {
	return &NotificationConsumer{sender: sender, log: log}
}

// Start 加入消费组后立即返回，消费在后台进行直到 ctx 结束或 Close
func (n *NotificationConsumer) Start(ctx context.Context, cfg kafka.KafkaConfig) error {
	consumer, err := kafka.InitConsumer(cfg, n, n.log)
	if err != nil {
		return err
	}
	n.consumer = consumer

	go func() {
		if err := consumer.StartConsuming(ctx); err != nil && ctx.Err() == nil {
			n.log.Error(ctx, "Notification consumer stopped", logger.F("error", err))
			return
		}
		n.log.Info(ctx, "Notification consumer ready",
			logger.F("topics", cfg.Topics),
			logger.F("groupID", cfg.GroupID))
	}()
	return nil
}

// Close 离开消费组
func (n *NotificationConsumer) Close() error {
	if n.consumer == nil {
		return nil
	}
	return n.consumer.Close()
}

// HandleMessage 实现 kafka.ConsumerHandler；无法解析或无效的消息记录日志后视为已消费
func (n *NotificationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev NotificationEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		n.log.Warn(ctx, "Malformed notification event",
			logger.F("topic", msg.Topic),
			logger.F("partition", msg.Partition),
			logger.F("offset", msg.Offset),
			logger.F("error", err))
		return nil
	}

	req := ev.SendRequest
	if req.Type == "" {
		req.Type = eventMessageTypes[ev.EventType]
	}
	if req.Target == "" {
		req.Target = inferTarget(req)
	}
	if req.ID == "" {
		req.ID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}

	env, single, multi, err := n.sender.SendRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.log.Warn(ctx, "Rejected notification event",
			logger.F("eventType", ev.EventType),
			logger.F("offset", msg.Offset),
			logger.F("error", err))
		return nil
	}

	fields := []logger.Field{
		logger.F("messageID", env.ID),
		logger.F("eventType", ev.EventType),
		logger.F("target", req.Target),
	}
	switch {
	case single != nil:
		fields = append(fields, logger.F("success", single.Success), logger.F("queued", single.Queued))
	case multi != nil:
		fields = append(fields, logger.F("targets", multi.TargetCount), logger.F("succeeded", multi.SuccessCount))
	}
	n.log.Debug(ctx, "Notification event dispatched", fields...)
	return nil
}

// inferTarget 根据填写的字段推断目标类型
func inferTarget(req model.SendRequest) string {
	switch {
	case req.UserID != "":
		return model.TargetUser.String()
	case len(req.UserIDs) > 0:
		return model.TargetUsers.String()
	case req.Group != "":
		return model.TargetGroup.String()
	case len(req.Groups) > 0:
		return model.TargetGroups.String()
	default:
		return model.TargetAll.String()
	}
}
