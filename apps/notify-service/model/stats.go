package model

import "time"

// Stats 总体统计快照
type Stats struct {
	TotalConnections          int64         `json:"total_connections"`
	ActiveConnections         int           `json:"active_connections"`
	OnlineUsers               int           `json:"online_users"`
	TotalMessages             int64         `json:"total_messages"`
	TodayMessages             int64         `json:"today_messages"`
	MessagesSent              int64         `json:"messages_sent"`
	MessagesFailed            int64         `json:"messages_failed"`
	AverageConnectionDuration time.Duration `json:"average_connection_duration"`
	MessageSuccessRate        float64       `json:"message_success_rate"`
	QueueDepth                int           `json:"queue_depth"`
	DroppedEvents             int64         `json:"dropped_events"`
	Uptime                    time.Duration `json:"uptime"`
}

// TimeRange 时间区间 [From, To)；零值端点表示不限制
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains 判断时间点是否落在区间内
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// PerformanceMetrics 区间内的性能指标
type PerformanceMetrics struct {
	Range             TimeRange     `json:"range"`
	MessagesAttempted int64         `json:"messages_attempted"`
	MessagesDelivered int64         `json:"messages_delivered"`
	MessagesFailed    int64         `json:"messages_failed"`
	AverageLatency    time.Duration `json:"average_latency"`
	P95Latency        time.Duration `json:"p95_latency"`
	MaxLatency        time.Duration `json:"max_latency"`
	ThroughputPerSec  float64       `json:"throughput_per_sec"`
	Connects          int64         `json:"connects"`
	Disconnects       int64         `json:"disconnects"`
	Timeouts          int64         `json:"timeouts"`
	QueueDepth        int           `json:"queue_depth"`
}

// MessageStats 区间内的消息统计
type MessageStats struct {
	Range        TimeRange                  `json:"range"`
	Total        int64                      `json:"total"`
	ByEventType  map[MessageEventType]int64 `json:"by_event_type"`
	ByType       map[string]int64           `json:"by_type"`
	ByPriority   map[string]int64           `json:"by_priority"`
	SuccessRate  float64                    `json:"success_rate"`
	RetriedTotal int64                      `json:"retried_total"`
}

// HistoryQuery 事件查询条件
type HistoryQuery struct {
	UserID       string    `json:"user_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	Range        TimeRange `json:"range"`
	Limit        int       `json:"limit,omitempty"`
}

// MessageStatusInfo 消息最新状态
type MessageStatusInfo struct {
	MessageID  string        `json:"message_id"`
	Status     MessageStatus `json:"status"`
	RetryCount int           `json:"retry_count"`
	LastError  ErrorKind     `json:"last_error,omitempty"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
