package model

import "time"

// ConnectionEventType 连接事件类型
type ConnectionEventType string

const (
	ConnEventConnected      ConnectionEventType = "connected"
	ConnEventDisconnected   ConnectionEventType = "disconnected"
	ConnEventForced         ConnectionEventType = "forced_disconnect"
	ConnEventTimeout        ConnectionEventType = "timeout"
	ConnEventTransportError ConnectionEventType = "transport_error"
)

// ConnectionEvent 连接事件，只追加
type ConnectionEvent struct {
	ID           int64               `json:"id" bson:"event_id"`
	Type         ConnectionEventType `json:"type" bson:"type"`
	ConnectionID string              `json:"connection_id" bson:"connection_id"`
	UserID       string              `json:"user_id" bson:"user_id"`
	Reason       DisconnectReason    `json:"reason,omitempty" bson:"reason,omitempty"`
	Duration     time.Duration       `json:"duration,omitempty" bson:"duration,omitempty"`
	Metadata     ConnectionMetadata  `json:"metadata" bson:"metadata"`
	OccurredAt   time.Time           `json:"occurred_at" bson:"occurred_at"`
}

// MessageEventType 消息事件类型
type MessageEventType string

const (
	MsgEventReceived  MessageEventType = "received"
	MsgEventSent      MessageEventType = "sent"
	MsgEventFailed    MessageEventType = "failed"
	MsgEventQueued    MessageEventType = "queued"
	MsgEventRetried   MessageEventType = "retried"
	MsgEventExpired   MessageEventType = "expired"
	MsgEventCancelled MessageEventType = "cancelled"
	MsgEventDropped   MessageEventType = "dropped"
	MsgEventEvicted   MessageEventType = "evicted"
	MsgEventRejected  MessageEventType = "rejected"
)

// MessageEvent 消息事件，只追加
type MessageEvent struct {
	ID           int64            `json:"id" bson:"event_id"`
	Type         MessageEventType `json:"type" bson:"type"`
	MessageID    string           `json:"message_id" bson:"message_id"`
	MessageType  MessageType      `json:"message_type" bson:"message_type"`
	Priority     Priority         `json:"priority" bson:"priority"`
	ConnectionID string           `json:"connection_id,omitempty" bson:"connection_id,omitempty"`
	UserID       string           `json:"user_id,omitempty" bson:"user_id,omitempty"`
	RetryCount   int              `json:"retry_count" bson:"retry_count"`
	Error        ErrorKind        `json:"error,omitempty" bson:"error,omitempty"`
	Latency      time.Duration    `json:"latency,omitempty" bson:"latency,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at" bson:"occurred_at"`
}

// Event 事件订阅者收到的统一事件，两个字段恰有一个非空
type Event struct {
	Connection *ConnectionEvent
	Message    *MessageEvent
}

// OccurredAt 事件发生时间
func (e Event) OccurredAt() time.Time {
	if e.Connection != nil {
		return e.Connection.OccurredAt
	}
	if e.Message != nil {
		return e.Message.OccurredAt
	}
	return time.Time{}
}
