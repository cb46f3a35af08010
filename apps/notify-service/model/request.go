package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParseTargetKind 解析目标类型名
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return TargetUser, nil
	case "users":
		return TargetUsers, nil
	case "group":
		return TargetGroup, nil
	case "groups":
		return TargetGroups, nil
	case "all", "broadcast":
		return TargetAll, nil
	}
	return 0, fmt.Errorf("%w: unknown target %q", ErrInvalidEnvelope, s)
}

// SendRequest 外部发送请求（HTTP接口和Kafka通知共用）
type SendRequest struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Target      string          `json:"target,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	UserIDs     []string        `json:"user_ids,omitempty"`
	Group       string          `json:"group,omitempty"`
	Groups      []string        `json:"groups,omitempty"`
	Exclude     []string        `json:"exclude,omitempty"`
	MaxRetries  *int            `json:"max_retries,omitempty"`
	TTLSeconds  int             `json:"ttl_seconds,omitempty"`
	Delay       int             `json:"delay_seconds,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
}
