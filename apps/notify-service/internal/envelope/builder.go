package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"snippet-notify/apps/notify-service/model"
)

const (
	// DefaultMaxRetries 默认最大重试次数
	DefaultMaxRetries = 3
	// DefaultMaxPayloadSize 默认最大负载字节数
	DefaultMaxPayloadSize = 64 * 1024
)

// Factory 信封工厂，持有默认值
type Factory struct {
	maxRetries     int
	maxPayloadSize int
	now            func() time.Time
	newID          func() string
}

// FactoryOption 工厂选项
type FactoryOption func(*Factory)

// WithMaxRetries 设置默认最大重试次数
func WithMaxRetries(n int) FactoryOption {
	return func(f *Factory) { f.maxRetries = n }
}

// WithMaxPayloadSize 设置最大负载
func WithMaxPayloadSize(n int) FactoryOption {
	return func(f *Factory) { f.maxPayloadSize = n }
}

// WithClock 注入时钟
func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

// WithIDGenerator 注入ID生成器
func WithIDGenerator(gen func() string) FactoryOption {
	return func(f *Factory) { f.newID = gen }
}

// NewFactory 创建信封工厂
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		maxRetries:     DefaultMaxRetries,
		maxPayloadSize: DefaultMaxPayloadSize,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Now 工厂时钟
func (f *Factory) Now() time.Time {
	return f.now()
}

// New 以给定负载开始构建信封
func (f *Factory) New(payload []byte) *Builder {
	return &Builder{
		factory: f,
		env: &model.Envelope{
			Type:       model.TypeNotification,
			Priority:   model.PriorityNormal,
			Payload:    payload,
			MaxRetries: f.maxRetries,
			Status:     model.StatusPending,
		},
	}
}

// Builder 信封构建器，非并发安全
type Builder struct {
	factory *Factory
	env     *model.Envelope
	targets int
	ttl     time.Duration
	delay   time.Duration
}

func (b *Builder) Type(t model.MessageType) *Builder {
	b.env.Type = t
	return b
}

func (b *Builder) Priority(p model.Priority) *Builder {
	b.env.Priority = p
	return b
}

func (b *Builder) MaxRetries(n int) *Builder {
	b.env.MaxRetries = n
	return b
}

// ID 指定消息ID（例如上游已有幂等ID）
func (b *Builder) ID(id string) *Builder {
	b.env.ID = id
	return b
}

func (b *Builder) ToUser(userID string) *Builder {
	b.targets++
	b.env.Target = model.Target{Kind: model.TargetUser, UserID: userID}
	return b
}

func (b *Builder) ToUsers(userIDs ...string) *Builder {
	b.targets++
	b.env.Target = model.Target{Kind: model.TargetUsers, UserIDs: dedupe(userIDs)}
	return b
}

func (b *Builder) ToGroup(group string) *Builder {
	b.targets++
	b.env.Target = model.Target{Kind: model.TargetGroup, Group: group}
	return b
}

func (b *Builder) ToGroups(groups ...string) *Builder {
	b.targets++
	b.env.Target = model.Target{Kind: model.TargetGroups, Groups: dedupe(groups)}
	return b
}

// ToAll 广播给全部连接，exclude 中的用户除外
func (b *Builder) ToAll(exclude ...string) *Builder {
	b.targets++
	b.env.Target = model.Target{Kind: model.TargetAll, Exclude: dedupe(exclude)}
	return b
}

// Target 直接指定目标
func (b *Builder) Target(t model.Target) *Builder {
	b.targets++
	b.env.Target = t
	return b
}

// ScheduleAt 延迟到指定时间发送
func (b *Builder) ScheduleAt(at time.Time) *Builder {
	b.env.ScheduledAt = at
	return b
}

// Delay 相对创建时间延迟发送
func (b *Builder) Delay(d time.Duration) *Builder {
	b.delay = d
	return b
}

// ExpiresAt 指定过期时间
func (b *Builder) ExpiresAt(at time.Time) *Builder {
	b.env.ExpiresAt = at
	return b
}

// TTL 相对创建时间的存活时长
func (b *Builder) TTL(d time.Duration) *Builder {
	b.ttl = d
	return b
}

// Build 校验并生成信封
func (b *Builder) Build() (*model.Envelope, error) {
	env := b.env
	if b.targets != 1 {
		return nil, fmt.Errorf("%w: exactly one target required, got %d", model.ErrInvalidEnvelope, b.targets)
	}
	if err := env.Target.Validate(); err != nil {
		return nil, err
	}
	if env.Priority < model.PriorityLow || env.Priority > model.PriorityUrgent {
		return nil, fmt.Errorf("%w: priority %d out of range", model.ErrInvalidEnvelope, env.Priority)
	}
	if env.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative max retries", model.ErrInvalidEnvelope)
	}
	if b.factory.maxPayloadSize > 0 && len(env.Payload) > b.factory.maxPayloadSize {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds limit %d", model.ErrInvalidEnvelope, len(env.Payload), b.factory.maxPayloadSize)
	}

	env.CreatedAt = b.factory.now()
	if env.ID == "" {
		env.ID = b.factory.newID()
	}
	if b.ttl > 0 {
		env.ExpiresAt = env.CreatedAt.Add(b.ttl)
	}
	if b.delay > 0 {
		env.ScheduledAt = env.CreatedAt.Add(b.delay)
	}
	if !env.ExpiresAt.IsZero() && !env.ExpiresAt.After(env.CreatedAt) {
		return nil, fmt.Errorf("%w: expires-at must be after created-at", model.ErrInvalidEnvelope)
	}
	if !env.ScheduledAt.IsZero() && !env.ExpiresAt.IsZero() && !env.ScheduledAt.Before(env.ExpiresAt) {
		return nil, fmt.Errorf("%w: scheduled-at must be before expires-at", model.ErrInvalidEnvelope)
	}
	return env, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
