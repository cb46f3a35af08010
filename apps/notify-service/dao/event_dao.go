package dao

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"snippet-notify/apps/notify-service/model"
)

const (
	connectionEventsCollection = "connection_events"
	messageEventsCollection    = "message_events"
	defaultHistoryLimit        = 100
)

// EventIndexes 审计集合索引：按用户、连接、消息查询，retention 大于0时按 occurred_at 过期
func EventIndexes(retention time.Duration) map[string][]mongo.IndexModel {
	byTime := func(field string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}, {Key: "occurred_at", Value: -1}}}
	}
	ttl := func() mongo.IndexModel {
		idx := mongo.IndexModel{Keys: bson.D{{Key: "occurred_at", Value: 1}}}
		if retention > 0 {
			idx.Options = options.Index().SetExpireAfterSeconds(int32(retention / time.Second))
		}
		return idx
	}
	return map[string][]mongo.IndexModel{
		connectionEventsCollection: {byTime("user_id"), byTime("connection_id"), ttl()},
		messageEventsCollection:    {byTime("user_id"), byTime("message_id"), ttl()},
	}
}

type eventDAO struct {
	db *mongo.Database
}

// NewEventDAO 创建事件审计DAO实例
func NewEventDAO(db *mongo.Database) EventDAO {
	return &eventDAO{db: db}
}

// SaveConnectionEvent 保存连接事件
func (d *eventDAO) SaveConnectionEvent(ctx context.Context, ev *model.ConnectionEvent) error {
	_, err := d.db.Collection(connectionEventsCollection).InsertOne(ctx, ev)
	return err
}

// SaveMessageEvent 保存消息事件
func (d *eventDAO) SaveMessageEvent(ctx context.Context, ev *model.MessageEvent) error {
	_, err := d.db.Collection(messageEventsCollection).InsertOne(ctx, ev)
	return err
}

// ConnectionHistory 查询连接事件，按时间倒序
func (d *eventDAO) ConnectionHistory(ctx context.Context, q model.HistoryQuery) ([]*model.ConnectionEvent, error) {
	cursor, err := d.db.Collection(connectionEventsCollection).Find(ctx, historyFilter(q), historyOptions(q))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*model.ConnectionEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// MessageHistory 查询消息事件，按时间倒序
func (d *eventDAO) MessageHistory(ctx context.Context, q model.HistoryQuery) ([]*model.MessageEvent, error) {
	filter := historyFilter(q)
	if q.MessageID != "" {
		filter["message_id"] = q.MessageID
	}
	cursor, err := d.db.Collection(messageEventsCollection).Find(ctx, filter, historyOptions(q))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []*model.MessageEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func historyFilter(q model.HistoryQuery) bson.M {
	filter := bson.M{}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.ConnectionID != "" {
		filter["connection_id"] = q.ConnectionID
	}
	occurred := bson.M{}
	if !q.Range.From.IsZero() {
		occurred["$gte"] = q.Range.From
	}
	if !q.Range.To.IsZero() {
		occurred["$lt"] = q.Range.To
	}
	if len(occurred) > 0 {
		filter["occurred_at"] = occurred
	}
	return filter
}

func historyOptions(q model.HistoryQuery) *options.FindOptions {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
		SetLimit(int64(limit))
}
