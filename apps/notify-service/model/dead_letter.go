package model

import (
	"encoding/json"
	"time"
)

// DeadLetter 最终失败、过期或被挤出的消息，保存在 PostgreSQL 中供排查与人工重发
type DeadLetter struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	MessageID    string    `gorm:"size:64;index;not null" json:"message_id"`
	MessageType  string    `gorm:"size:32" json:"message_type"`
	Priority     string    `gorm:"size:16" json:"priority"`
	Target       string    `gorm:"type:text" json:"target"`
	Payload      []byte    `gorm:"type:bytea" json:"payload"`
	Status       string    `gorm:"size:16;index" json:"status"`
	LastError    string    `gorm:"size:32" json:"last_error"`
	RetryCount   int       `json:"retry_count"`
	ConnectionID string    `gorm:"size:64" json:"connection_id,omitempty"`
	UserID       string    `gorm:"size:64;index" json:"user_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	FailedAt     time.Time `gorm:"index" json:"failed_at"`
}

// TableName 表名
func (DeadLetter) TableName() string {
	return "notify_dead_letters"
}

// NewDeadLetter 从信封生成死信记录
func NewDeadLetter(env *Envelope, failedAt time.Time) *DeadLetter {
	target, _ := json.Marshal(env.Target)
	return &DeadLetter{
		MessageID:    env.ID,
		MessageType:  env.Type.String(),
		Priority:     env.Priority.String(),
		Target:       string(target),
		Payload:      env.Payload,
		Status:       env.Status.String(),
		LastError:    string(env.LastError),
		RetryCount:   env.RetryCount,
		ConnectionID: env.ConnectionID,
		UserID:       env.UserID,
		CreatedAt:    env.CreatedAt,
		FailedAt:     failedAt,
	}
}
