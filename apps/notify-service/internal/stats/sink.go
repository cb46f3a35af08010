package stats

import (
	"context"
	"sync"
	"sync/atomic"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// Sink 事件订阅者；慢或不可用的订阅者不会阻塞投递路径
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev model.Event) error
}

// subscription 每个订阅者独立的有界缓冲和工作协程
type subscription struct {
	sink    Sink
	ch      chan model.Event
	dropped atomic.Int64
	done    chan struct{}
}

func (s *subscription) run(log logger.Logger) {
	defer close(s.done)
	ctx := context.Background()
	for ev := range s.ch {
		if err := s.sink.Handle(ctx, ev); err != nil {
			log.Warn(ctx, "Event sink failed",
				logger.F("sink", s.sink.Name()),
				logger.F("error", err))
		}
	}
}

type sinkSet struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

func (s *sinkSet) add(sub *subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.subs = append(s.subs, sub)
	return true
}

// publish 非阻塞投递，缓冲满时丢弃并计数
func (s *sinkSet) publish(ev model.Event, onDrop func(name string)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			onDrop(sub.sink.Name())
		}
	}
}

func (s *sinkSet) close() []*subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, sub := range s.subs {
		close(sub.ch)
	}
	return s.subs
}
