package model

import "time"

// ConnectionResult 单个连接的发送结果
type ConnectionResult struct {
	ConnectionID string        `json:"connection_id"`
	UserID       string        `json:"user_id"`
	Delivered    bool          `json:"delivered"`
	Queued       bool          `json:"queued"`
	Error        ErrorKind     `json:"error,omitempty"`
	Latency      time.Duration `json:"latency"`
}

// SendResult 一次发送调用的结果
// Success 为 true 表示至少解析到一个连接，且每个连接要么已送达、要么已进入重试队列
type SendResult struct {
	MessageID       string             `json:"message_id"`
	Success         bool               `json:"success"`
	Queued          bool               `json:"queued"`
	Error           ErrorKind          `json:"error,omitempty"`
	ConnectionCount int                `json:"connection_count"`
	DeliveredCount  int                `json:"delivered_count"`
	FailedCount     int                `json:"failed_count"`
	Connections     []ConnectionResult `json:"connections,omitempty"`
}

// BroadcastResult 多目标发送结果
type BroadcastResult struct {
	MessageID      string                 `json:"message_id"`
	TargetCount    int                    `json:"target_count"`
	SuccessCount   int                    `json:"success_count"`
	FailedCount    int                    `json:"failed_count"`
	PerUserResults map[string]*SendResult `json:"per_user_results,omitempty"`
}

// QueueResult 入队结果
type QueueResult struct {
	Success           bool      `json:"success"`
	MessageID         string    `json:"message_id"`
	QueuePosition     int       `json:"queue_position"`
	EstimatedSendTime time.Time `json:"estimated_send_time"`
	EvictedID         string    `json:"evicted_id,omitempty"`
	Error             ErrorKind `json:"error,omitempty"`
}

// ProcessResult 一次批处理结果
type ProcessResult struct {
	ProcessedCount int `json:"processed_count"`
	SuccessCount   int `json:"success_count"`
	FailedCount    int `json:"failed_count"`
	RetryCount     int `json:"retry_count"`
	ExpiredCount   int `json:"expired_count"`
	CancelledCount int `json:"cancelled_count"`
}
