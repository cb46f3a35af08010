package sink

import (
	"context"
	"time"

	"snippet-notify/apps/notify-service/dao"
	"snippet-notify/apps/notify-service/model"
)

const storeTimeout = 3 * time.Second

// AuditSink 将全部事件写入事件存储
type AuditSink struct {
	events dao.EventDAO
}

// NewAuditSink 创建审计订阅者
func NewAuditSink(events dao.EventDAO) *AuditSink {
	return &AuditSink{events: events}
}

// Name 订阅者名称
func (s *AuditSink) Name() string { return "mongo-audit" }

// Handle 写入事件
func (s *AuditSink) Handle(ctx context.Context, ev model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	switch {
	case ev.Connection != nil:
		return s.events.SaveConnectionEvent(ctx, ev.Connection)
	case ev.Message != nil:
		return s.events.SaveMessageEvent(ctx, ev.Message)
	}
	return nil
}

// PresenceSink 根据连接事件维护跨实例在线状态，忽略消息事件
type PresenceSink struct {
	presence dao.PresenceDAO
}

// NewPresenceSink 创建在线状态订阅者
func NewPresenceSink(presence dao.PresenceDAO) *PresenceSink {
	return &PresenceSink{presence: presence}
}

// Name 订阅者名称
func (s *PresenceSink) Name() string { return "redis-presence" }

// Handle 更新在线状态
func (s *PresenceSink) Handle(ctx context.Context, ev model.Event) error {
	if ev.Connection == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if ev.Connection.Type == model.ConnEventConnected {
		return s.presence.SetOnline(ctx, ev.Connection)
	}
	return s.presence.SetOffline(ctx, ev.Connection)
}
