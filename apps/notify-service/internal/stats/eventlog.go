package stats

import (
	"sync"

	"snippet-notify/apps/notify-service/model"
)

// ring 固定容量的环形缓冲，满后覆盖最旧的记录
type ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	next  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// scan 从新到旧遍历，fn 返回 false 时停止
func (r *ring[T]) scan(fn func(T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := 0; i < r.count; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		if !fn(r.buf[idx]) {
			return
		}
	}
}

// EventLog 内存中的连接/消息事件日志，只追加
type EventLog struct {
	connections *ring[model.ConnectionEvent]
	messages    *ring[model.MessageEvent]
}

// NewEventLog 创建事件日志
func NewEventLog(capacity int) *EventLog {
	return &EventLog{
		connections: newRing[model.ConnectionEvent](capacity),
		messages:    newRing[model.MessageEvent](capacity),
	}
}

func (l *EventLog) AppendConnection(ev model.ConnectionEvent) { l.connections.add(ev) }

func (l *EventLog) AppendMessage(ev model.MessageEvent) { l.messages.add(ev) }

// ConnectionHistory 按条件查询连接事件，从新到旧
func (l *EventLog) ConnectionHistory(q model.HistoryQuery) []model.ConnectionEvent {
	var out []model.ConnectionEvent
	l.connections.scan(func(ev model.ConnectionEvent) bool {
		if q.UserID != "" && ev.UserID != q.UserID {
			return true
		}
		if q.ConnectionID != "" && ev.ConnectionID != q.ConnectionID {
			return true
		}
		if !q.Range.Contains(ev.OccurredAt) {
			return true
		}
		out = append(out, ev)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out
}

// MessageEvents 按条件查询消息事件，从新到旧
func (l *EventLog) MessageEvents(q model.HistoryQuery) []model.MessageEvent {
	var out []model.MessageEvent
	l.messages.scan(func(ev model.MessageEvent) bool {
		if q.MessageID != "" && ev.MessageID != q.MessageID {
			return true
		}
		if q.UserID != "" && ev.UserID != q.UserID {
			return true
		}
		if q.ConnectionID != "" && ev.ConnectionID != q.ConnectionID {
			return true
		}
		if !q.Range.Contains(ev.OccurredAt) {
			return true
		}
		out = append(out, ev)
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out
}
