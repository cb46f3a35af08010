package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/backoff"
	"snippet-notify/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []model.MessageEvent
}

func (l *eventLog) RecordMessageEvent(ev model.MessageEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(typ model.MessageEventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func newTestQueue(capacity int) (*RetryQueue, *fakeClock, *eventLog) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	events := &eventLog{}
	q := NewRetryQueue(Config{
		Capacity: capacity,
		Backoff:  backoff.Policy{Initial: time.Second, Max: time.Minute, Factor: 2},
		Now:      clock.Now,
	}, events, logger.NewNopLogger())
	return q, clock, events
}

func newEnv(id string, p model.Priority, now time.Time) *model.Envelope {
	return &model.Envelope{
		ID:         id,
		Priority:   p,
		Target:     model.Target{Kind: model.TargetUser, UserID: "u1"},
		CreatedAt:  now,
		MaxRetries: 3,
	}
}

func TestProcessBatchPriorityOrder(t *testing.T) {
	q, clock, _ := newTestQueue(10)

	var attempted []string
	q.SetDeliverer(func(_ context.Context, env *model.Envelope) error {
		attempted = append(attempted, env.ID)
		return nil
	})

	q.Enqueue(newEnv("low", model.PriorityLow, clock.Now()))
	q.Enqueue(newEnv("urgent", model.PriorityUrgent, clock.Now()))

	res := q.ProcessBatch(context.Background(), 1)
	if res.ProcessedCount != 1 || res.SuccessCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(attempted) != 1 || attempted[0] != "urgent" {
		t.Fatalf("attempted = %v, want [urgent]", attempted)
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestEnqueueThenUnlimitedBatchAttemptsEverything(t *testing.T) {
	q, clock, _ := newTestQueue(100)

	attempted := map[string]bool{}
	q.SetDeliverer(func(_ context.Context, env *model.Envelope) error {
		attempted[env.ID] = true
		return nil
	})

	for i := 0; i < 20; i++ {
		q.Enqueue(newEnv(fmt.Sprintf("m%d", i), model.Priority(i%4), clock.Now()))
	}
	res := q.ProcessBatch(context.Background(), 0)
	if res.ProcessedCount != 20 || len(attempted) != 20 {
		t.Fatalf("processed %d, attempted %d; want 20", res.ProcessedCount, len(attempted))
	}
	if q.Len() != 0 {
		t.Errorf("queue len = %d, want 0", q.Len())
	}
}

func TestQueueFullAndUrgentEviction(t *testing.T) {
	q, clock, events := newTestQueue(2)

	q.Enqueue(newEnv("low-1", model.PriorityLow, clock.Now()))
	clock.Advance(time.Millisecond)
	q.Enqueue(newEnv("low-2", model.PriorityLow, clock.Now()))

	if res := q.Enqueue(newEnv("high", model.PriorityHigh, clock.Now())); res.Success || res.Error != model.ErrKindQueueFull {
		t.Fatalf("expected QueueFull, got %+v", res)
	}

	res := q.Enqueue(newEnv("urgent", model.PriorityUrgent, clock.Now()))
	if !res.Success || res.EvictedID != "low-2" {
		t.Fatalf("expected urgent accepted evicting low-2, got %+v", res)
	}
	if res.QueuePosition != 0 {
		t.Errorf("urgent position = %d, want 0", res.QueuePosition)
	}
	if q.Len() != 2 {
		t.Errorf("queue len = %d, want 2", q.Len())
	}
	if events.count(model.MsgEventEvicted) != 1 || events.count(model.MsgEventRejected) != 1 {
		t.Errorf("missing eviction/rejection events: %+v", events.events)
	}

	// 队列中只剩 Urgent 时不再挤出
	q2, clock2, _ := newTestQueue(1)
	q2.Enqueue(newEnv("u-1", model.PriorityUrgent, clock2.Now()))
	if res := q2.Enqueue(newEnv("u-2", model.PriorityUrgent, clock2.Now())); res.Error != model.ErrKindQueueFull {
		t.Errorf("urgent must not evict urgent, got %+v", res)
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	q, clock, events := newTestQueue(10)

	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		return model.ErrSendRejected
	})

	env := newEnv("m1", model.PriorityNormal, clock.Now())
	q.Enqueue(env)

	for attempt := 1; attempt <= 3; attempt++ {
		res := q.ProcessBatch(context.Background(), 10)
		if res.ProcessedCount != 1 {
			t.Fatalf("attempt %d: processed = %d", attempt, res.ProcessedCount)
		}
		if env.RetryCount != attempt {
			t.Fatalf("attempt %d: retry count = %d", attempt, env.RetryCount)
		}
		clock.Advance(time.Hour)
	}

	if env.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", env.Status)
	}
	if env.RetryCount > env.MaxRetries {
		t.Fatalf("retry count %d exceeds max %d", env.RetryCount, env.MaxRetries)
	}
	if res := q.ProcessBatch(context.Background(), 10); res.ProcessedCount != 0 {
		t.Fatalf("failed envelope processed again: %+v", res)
	}
	if events.count(model.MsgEventFailed) != 1 || events.count(model.MsgEventRetried) != 2 {
		t.Errorf("unexpected events: failed=%d retried=%d",
			events.count(model.MsgEventFailed), events.count(model.MsgEventRetried))
	}
}

func TestBackoffDefersRetry(t *testing.T) {
	q, clock, _ := newTestQueue(10)
	calls := 0
	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		calls++
		return model.ErrSendTimeout
	})

	q.Enqueue(newEnv("m1", model.PriorityHigh, clock.Now()))
	q.ProcessBatch(context.Background(), 10)

	// 退避 1s 内不会再次尝试
	if res := q.ProcessBatch(context.Background(), 10); res.ProcessedCount != 0 {
		t.Fatalf("retried before backoff elapsed: %+v", res)
	}
	clock.Advance(time.Second)
	if res := q.ProcessBatch(context.Background(), 10); res.ProcessedCount != 1 {
		t.Fatalf("expected retry after backoff, got %+v", res)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestExpiredItemsRemoved(t *testing.T) {
	q, clock, events := newTestQueue(10)
	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		t.Fatal("expired envelope must not be delivered")
		return nil
	})

	env := newEnv("m1", model.PriorityNormal, clock.Now())
	env.ExpiresAt = clock.Now().Add(time.Minute)
	q.Enqueue(env)

	clock.Advance(2 * time.Minute)
	res := q.ProcessBatch(context.Background(), 10)
	if res.ExpiredCount != 1 || res.ProcessedCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if env.Status != model.StatusExpired || q.Len() != 0 {
		t.Fatalf("status=%v len=%d", env.Status, q.Len())
	}
	if events.count(model.MsgEventExpired) != 1 {
		t.Error("missing expired event")
	}

	already := newEnv("m2", model.PriorityNormal, clock.Now())
	already.ExpiresAt = clock.Now()
	if res := q.Enqueue(already); res.Error != model.ErrKindExpired {
		t.Errorf("expected Expired on enqueue, got %+v", res)
	}
}

func TestCleanupExpired(t *testing.T) {
	q, clock, _ := newTestQueue(10)
	for i, ttl := range []time.Duration{time.Minute, 2 * time.Minute, 0} {
		env := newEnv(fmt.Sprintf("m%d", i), model.PriorityNormal, clock.Now())
		if ttl > 0 {
			env.ExpiresAt = clock.Now().Add(ttl)
		}
		q.Enqueue(env)
	}

	if n := q.CleanupExpired(clock.Now().Add(90 * time.Second)); n != 1 {
		t.Fatalf("CleanupExpired = %d, want 1", n)
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
	pending := q.Pending()
	if len(pending) != 2 || pending[0].ID != "m1" {
		t.Errorf("pending = %v", pending)
	}
}

func TestCancelAndDropForConnection(t *testing.T) {
	q, clock, events := newTestQueue(10)

	a := newEnv("m1", model.PriorityNormal, clock.Now())
	a.ConnectionID = "c1"
	b := newEnv("m1", model.PriorityNormal, clock.Now())
	b.ConnectionID = "c2"
	c := newEnv("m2", model.PriorityNormal, clock.Now())
	c.ConnectionID = "c2"
	for _, env := range []*model.Envelope{a, b, c} {
		if res := q.Enqueue(env); !res.Success {
			t.Fatalf("Enqueue %s@%s: %+v", env.ID, env.ConnectionID, res)
		}
	}

	n, err := q.Cancel("m1")
	if err != nil || n != 2 {
		t.Fatalf("Cancel = %d, %v", n, err)
	}
	if a.Status != model.StatusCancelled || b.Status != model.StatusCancelled {
		t.Error("copies not cancelled")
	}
	if _, err := q.Cancel("m1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("second cancel: %v", err)
	}

	if n := q.DropForConnection("c2"); n != 1 {
		t.Fatalf("DropForConnection = %d, want 1", n)
	}
	if q.Len() != 0 {
		t.Errorf("len = %d", q.Len())
	}
	if events.count(model.MsgEventCancelled) != 3 {
		t.Errorf("cancelled events = %d, want 3", events.count(model.MsgEventCancelled))
	}
}

func TestCancelInFlightIsBestEffort(t *testing.T) {
	q, clock, _ := newTestQueue(10)

	env := newEnv("m1", model.PriorityNormal, clock.Now())
	q.Enqueue(env)

	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		if _, err := q.Cancel("m1"); err != nil {
			t.Errorf("cancel in flight: %v", err)
		}
		return model.ErrSendRejected
	})

	res := q.ProcessBatch(context.Background(), 1)
	if res.CancelledCount != 1 || env.Status != model.StatusCancelled {
		t.Fatalf("result=%+v status=%v", res, env.Status)
	}
	if q.Len() != 0 {
		t.Errorf("cancelled envelope requeued")
	}
}

func TestDelayedItemNotDueYet(t *testing.T) {
	q, clock, _ := newTestQueue(10)
	q.SetDeliverer(func(context.Context, *model.Envelope) error { return nil })

	env := newEnv("later", model.PriorityUrgent, clock.Now())
	env.ScheduledAt = clock.Now().Add(time.Minute)
	res := q.Enqueue(env)
	if !res.EstimatedSendTime.Equal(env.ScheduledAt) {
		t.Errorf("estimated send time = %v, want %v", res.EstimatedSendTime, env.ScheduledAt)
	}
	q.Enqueue(newEnv("now", model.PriorityLow, clock.Now()))

	out := q.ProcessBatch(context.Background(), 1)
	if out.SuccessCount != 1 || env.Status != model.StatusPending {
		t.Fatalf("result=%+v status=%v", out, env.Status)
	}
	clock.Advance(time.Minute)
	if out := q.ProcessBatch(context.Background(), 1); out.SuccessCount != 1 || env.Status != model.StatusSent {
		t.Fatalf("result=%+v status=%v", out, env.Status)
	}
}

func TestEnqueueRejectsDuplicatesAndTerminal(t *testing.T) {
	q, clock, _ := newTestQueue(10)
	env := newEnv("m1", model.PriorityNormal, clock.Now())
	q.Enqueue(env)
	if res := q.Enqueue(env.Clone()); res.Error != model.ErrKindInvalid {
		t.Errorf("duplicate enqueue: %+v", res)
	}
	done := newEnv("m2", model.PriorityNormal, clock.Now())
	done.Status = model.StatusSent
	if res := q.Enqueue(done); res.Error != model.ErrKindInvalid {
		t.Errorf("terminal enqueue: %+v", res)
	}
}

func TestProcessorRunOnce(t *testing.T) {
	q, clock, _ := newTestQueue(10)
	delivered := 0
	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		delivered++
		return nil
	})
	q.Enqueue(newEnv("m1", model.PriorityNormal, clock.Now()))

	p := NewProcessor(q, time.Second, 10, logger.NewNopLogger())
	p.RunOnce(context.Background())
	if delivered != 1 || q.Len() != 0 {
		t.Fatalf("delivered=%d len=%d", delivered, q.Len())
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type deadLetters struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (d *deadLetters) DeadLetter(env *model.Envelope) {
	d.mu.Lock()
	d.envs = append(d.envs, env)
	d.mu.Unlock()
}

func TestDeadLetterReceivesTerminalFailures(t *testing.T) {
	q, clock, _ := newTestQueue(1)
	dl := &deadLetters{}
	q.SetDeadLetter(dl)
	q.SetDeliverer(func(context.Context, *model.Envelope) error {
		return model.ErrSendRejected
	})

	doomed := newEnv("doomed", model.PriorityNormal, clock.Now())
	doomed.MaxRetries = 1
	q.Enqueue(doomed)
	q.ProcessBatch(context.Background(), 0)

	if len(dl.envs) != 1 || dl.envs[0].ID != "doomed" {
		t.Fatalf("dead letters = %v, want [doomed]", dl.envs)
	}
	if dl.envs[0].Status != model.StatusFailed {
		t.Errorf("dead letter status = %v, want failed", dl.envs[0].Status)
	}
	if dl.envs[0] == doomed {
		t.Error("dead letter should be a copy")
	}

	q.Enqueue(newEnv("low", model.PriorityLow, clock.Now()))
	q.Enqueue(newEnv("urgent", model.PriorityUrgent, clock.Now()))
	if len(dl.envs) != 2 || dl.envs[1].ID != "low" {
		t.Errorf("evicted item should be dead-lettered, got %d entries", len(dl.envs))
	}
}
