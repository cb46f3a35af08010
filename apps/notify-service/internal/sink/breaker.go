package sink

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"snippet-notify/apps/notify-service/internal/stats"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// BreakerOptions 熔断参数
type BreakerOptions struct {
	// ConsecutiveFailures 连续失败多少次后打开
	ConsecutiveFailures uint32
	// OpenTimeout 打开状态持续多久后进入半开
	OpenTimeout time.Duration
	// HalfOpenRequests 半开状态允许的试探请求数
	HalfOpenRequests uint32
}

// DefaultBreakerOptions 默认熔断参数
var DefaultBreakerOptions = BreakerOptions{
	ConsecutiveFailures: 5,
	OpenTimeout:         30 * time.Second,
	HalfOpenRequests:    1,
}

// BreakerSink 为下游不稳定的订阅者加熔断，打开期间直接丢弃事件
type BreakerSink struct {
	next stats.Sink
	cb   *gobreaker.CircuitBreaker
}

// WithBreaker 包装订阅者
func WithBreaker(next stats.Sink, opts BreakerOptions, log logger.Logger) *BreakerSink {
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = DefaultBreakerOptions.ConsecutiveFailures
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = DefaultBreakerOptions.OpenTimeout
	}
	if opts.HalfOpenRequests == 0 {
		opts.HalfOpenRequests = DefaultBreakerOptions.HalfOpenRequests
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: opts.HalfOpenRequests,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(context.Background(), "Event sink breaker state changed",
				logger.F("sink", name),
				logger.F("from", from.String()),
				logger.F("to", to.String()))
		},
	})
	return &BreakerSink{next: next, cb: cb}
}

// Name 订阅者名称
func (s *BreakerSink) Name() string { return s.next.Name() }

// Handle 经过熔断器投递
func (s *BreakerSink) Handle(ctx context.Context, ev model.Event) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Handle(ctx, ev)
	})
	return err
}

// State 当前熔断状态
func (s *BreakerSink) State() gobreaker.State {
	return s.cb.State()
}
