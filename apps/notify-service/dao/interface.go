package dao

import (
	"context"

	"snippet-notify/apps/notify-service/model"
)

// EventDAO 事件审计存储（MongoDB）
type EventDAO interface {
	SaveConnectionEvent(ctx context.Context, ev *model.ConnectionEvent) error
	SaveMessageEvent(ctx context.Context, ev *model.MessageEvent) error
	ConnectionHistory(ctx context.Context, q model.HistoryQuery) ([]*model.ConnectionEvent, error)
	MessageHistory(ctx context.Context, q model.HistoryQuery) ([]*model.MessageEvent, error)
}

// PresenceDAO 跨实例在线状态（Redis）
type PresenceDAO interface {
	SetOnline(ctx context.Context, ev *model.ConnectionEvent) error
	SetOffline(ctx context.Context, ev *model.ConnectionEvent) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
	Connections(ctx context.Context, userID string) (map[string]string, error)
}

// DeadLetterDAO 死信存储（PostgreSQL）
type DeadLetterDAO interface {
	Save(ctx context.Context, dl *model.DeadLetter) error
	List(ctx context.Context, userID string, limit int) ([]*model.DeadLetter, error)
	Delete(ctx context.Context, messageID string) (int64, error)
}
