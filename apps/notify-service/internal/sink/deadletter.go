package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"snippet-notify/apps/notify-service/dao"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// DeadLetterWriter 异步写入死信；缓冲满时丢弃并计数，不阻塞重试队列
type DeadLetterWriter struct {
	store   dao.DeadLetterDAO
	ch      chan *model.Envelope
	now     func() time.Time
	log     logger.Logger
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDeadLetterWriter 创建死信写入器并启动工作协程
func NewDeadLetterWriter(store dao.DeadLetterDAO, buffer int, log logger.Logger) *DeadLetterWriter {
	if buffer <= 0 {
		buffer = 256
	}
	w := &DeadLetterWriter{
		store: store,
		ch:    make(chan *model.Envelope, buffer),
		now:   time.Now,
		log:   log,
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// DeadLetter 提交死信
func (w *DeadLetterWriter) DeadLetter(env *model.Envelope) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- env:
	default:
		w.dropped.Add(1)
	}
}

// Dropped 因缓冲满丢弃的死信数
func (w *DeadLetterWriter) Dropped() int64 {
	return w.dropped.Load()
}

func (w *DeadLetterWriter) run() {
	defer close(w.done)
	for env := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := w.store.Save(ctx, model.NewDeadLetter(env, w.now())); err != nil {
			w.log.Error(ctx, "Failed to store dead letter",
				logger.F("messageID", env.ID),
				logger.F("status", env.Status.String()),
				logger.F("error", err))
		}
		cancel()
	}
}

// Close 停止接收并等待已缓冲的死信写完
func (w *DeadLetterWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
