package model

import (
	"fmt"
	"strings"
	"time"
)

// MessageType 消息类型
type MessageType int

const (
	TypeNotification MessageType = iota
	TypeSystem
	TypeUser
	TypeStatusUpdate
	TypeError
	TypeAcknowledgment
	TypeHeartbeat
	TypeCustom
)

var messageTypeNames = map[MessageType]string{
	TypeNotification:   "notification",
	TypeSystem:         "system",
	TypeUser:           "user",
	TypeStatusUpdate:   "status_update",
	TypeError:          "error",
	TypeAcknowledgment: "acknowledgment",
	TypeHeartbeat:      "heartbeat",
	TypeCustom:         "custom",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseMessageType 解析消息类型，空字符串视为 notification
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TypeNotification, nil
	}
	for t, name := range messageTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown message type %q", ErrInvalidEnvelope, s)
}

// Priority 消息优先级，数值越大越优先
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority 解析优先级，空字符串视为 normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, s)
}

// MessageStatus 消息状态
type MessageStatus int

const (
	StatusPending MessageStatus = iota
	StatusSending
	StatusSent
	StatusFailed
	StatusExpired
	StatusCancelled
)

func (s MessageStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText 序列化为可读字符串
func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal 是否为终态
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusExpired || s == StatusCancelled
}

// TargetKind 投递目标类型
type TargetKind int

const (
	TargetUser TargetKind = iota
	TargetUsers
	TargetGroup
	TargetGroups
	TargetAll
)

func (k TargetKind) String() string {
	switch k {
	case TargetUser:
		return "user"
	case TargetUsers:
		return "users"
	case TargetGroup:
		return "group"
	case TargetGroups:
		return "groups"
	case TargetAll:
		return "all"
	default:
		return "unknown"
	}
}

// Target 投递目标，根据Kind只使用对应字段
type Target struct {
	Kind    TargetKind `json:"kind"`
	UserID  string     `json:"user_id,omitempty"`
	UserIDs []string   `json:"user_ids,omitempty"`
	Group   string     `json:"group,omitempty"`
	Groups  []string   `json:"groups,omitempty"`
	Exclude []string   `json:"exclude,omitempty"` // 仅 TargetAll 使用
}

// Validate 校验目标字段与类型是否匹配
func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser:
		if t.UserID == "" {
			return fmt.Errorf("%w: user target without user id", ErrInvalidEnvelope)
		}
	case TargetUsers:
		if len(t.UserIDs) == 0 {
			return fmt.Errorf("%w: users target without user ids", ErrInvalidEnvelope)
		}
	case TargetGroup:
		if t.Group == "" {
			return fmt.Errorf("%w: group target without group name", ErrInvalidEnvelope)
		}
	case TargetGroups:
		if len(t.Groups) == 0 {
			return fmt.Errorf("%w: groups target without group names", ErrInvalidEnvelope)
		}
	case TargetAll:
	default:
		return fmt.Errorf("%w: unknown target kind %d", ErrInvalidEnvelope, t.Kind)
	}
	return nil
}

// Envelope 消息信封，投递与重试的基本单元
type Envelope struct {
	ID          string        `json:"id"`
	Type        MessageType   `json:"type"`
	Priority    Priority      `json:"priority"`
	Payload     []byte        `json:"payload"`
	Target      Target        `json:"target"`
	CreatedAt   time.Time     `json:"created_at"`
	ScheduledAt time.Time     `json:"scheduled_at,omitempty"` // 零值表示立即发送
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`   // 零值表示不过期
	Status      MessageStatus `json:"status"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	LastError   ErrorKind     `json:"last_error,omitempty"`

	// ConnectionID 非空时仅向该连接重投（派发失败时绑定），UserID 为该连接所属用户
	ConnectionID string `json:"connection_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`

	delivered map[string]struct{}
}

// IsExpired 判断在 now 时刻是否已过期
func (e *Envelope) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// IsDue 判断在 now 时刻是否已到发送时间
func (e *Envelope) IsDue(now time.Time) bool {
	return e.ScheduledAt.IsZero() || !now.Before(e.ScheduledAt)
}

// CanRetry 是否还有剩余重试次数
func (e *Envelope) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// TransitionTo 状态迁移，终态不可再变更
func (e *Envelope) TransitionTo(next MessageStatus) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	if e.Status == StatusPending && next == StatusPending {
		return nil
	}
	e.Status = next
	return nil
}

// MarkDelivered 记录已成功送达的连接，重试时跳过
func (e *Envelope) MarkDelivered(connectionID string) {
	if e.delivered == nil {
		e.delivered = make(map[string]struct{})
	}
	e.delivered[connectionID] = struct{}{}
}

// Delivered 连接是否已送达
func (e *Envelope) Delivered(connectionID string) bool {
	_, ok := e.delivered[connectionID]
	return ok
}

// DeliveredCount 已送达连接数
func (e *Envelope) DeliveredCount() int {
	return len(e.delivered)
}

// Clone 深拷贝信封
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	c.Target.UserIDs = append([]string(nil), e.Target.UserIDs...)
	c.Target.Groups = append([]string(nil), e.Target.Groups...)
	c.Target.Exclude = append([]string(nil), e.Target.Exclude...)
	c.delivered = nil
	for id := range e.delivered {
		c.MarkDelivered(id)
	}
	return &c
}

// Frame 交给传输层的帧，负载保持不透明
type Frame struct {
	MessageID string
	Type      MessageType
	Priority  Priority
	Payload   []byte
	CreatedAt time.Time
}

// FrameOf 从信封生成传输帧
func FrameOf(e *Envelope) Frame {
	return Frame{
		MessageID: e.ID,
		Type:      e.Type,
		Priority:  e.Priority,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}
