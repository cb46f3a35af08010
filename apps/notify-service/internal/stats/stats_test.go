package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestCollector(t *testing.T, clock *fakeClock, cfg Config) *Collector {
	t.Helper()
	cfg.Now = clock.Now
	c, err := NewCollector(cfg, Sources{
		Connections: func() int { return 3 },
		OnlineUsers: func() int { return 2 },
		QueueDepth:  func() int { return 7 },
	}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func msgEvent(clock *fakeClock, typ model.MessageEventType, id string) model.MessageEvent {
	return model.MessageEvent{
		Type:        typ,
		MessageID:   id,
		MessageType: model.TypeNotification,
		Priority:    model.PriorityNormal,
		OccurredAt:  clock.Now(),
	}
}

func TestCollectorStatsSnapshot(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})

	c.OnConnect(model.ConnectionEvent{Type: model.ConnEventConnected, ConnectionID: "c1", UserID: "u1", OccurredAt: clock.Now()})
	c.OnConnect(model.ConnectionEvent{Type: model.ConnEventConnected, ConnectionID: "c2", UserID: "u1", OccurredAt: clock.Now()})
	clock.Advance(10 * time.Second)
	c.OnDisconnect(model.ConnectionEvent{Type: model.ConnEventDisconnected, ConnectionID: "c1", UserID: "u1", Duration: 10 * time.Second, OccurredAt: clock.Now()})

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m1"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventSent, "m1"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m2"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventDropped, "m2"))

	s := c.GetStats()
	if s.TotalConnections != 2 {
		t.Errorf("TotalConnections = %d, want 2", s.TotalConnections)
	}
	if s.ActiveConnections != 3 || s.OnlineUsers != 2 || s.QueueDepth != 7 {
		t.Errorf("live sources not reported: %+v", s)
	}
	if s.TotalMessages != 2 || s.TodayMessages != 2 {
		t.Errorf("TotalMessages = %d TodayMessages = %d, want 2/2", s.TotalMessages, s.TodayMessages)
	}
	if s.MessagesSent != 1 || s.MessagesFailed != 1 {
		t.Errorf("sent/failed = %d/%d, want 1/1", s.MessagesSent, s.MessagesFailed)
	}
	if s.MessageSuccessRate != 0.5 {
		t.Errorf("MessageSuccessRate = %v, want 0.5", s.MessageSuccessRate)
	}
	if s.AverageConnectionDuration != 10*time.Second {
		t.Errorf("AverageConnectionDuration = %v", s.AverageConnectionDuration)
	}
	if s.Uptime != 10*time.Second {
		t.Errorf("Uptime = %v, want 10s", s.Uptime)
	}
}

func TestCollectorSuccessRateWithoutTraffic(t *testing.T) {
	c := newTestCollector(t, newFakeClock(), Config{})
	if got := c.GetStats().MessageSuccessRate; got != 1 {
		t.Errorf("MessageSuccessRate = %v, want 1", got)
	}
}

func TestOfflineRejectionIsNotAFailure(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})

	ev := msgEvent(clock, model.MsgEventRejected, "m1")
	ev.Error = model.ErrKindNoActiveConnection
	c.RecordMessageEvent(ev)

	ev = msgEvent(clock, model.MsgEventRejected, "m2")
	ev.Error = model.ErrKindQueueFull
	c.RecordMessageEvent(ev)

	if got := c.GetStats().MessagesFailed; got != 1 {
		t.Errorf("MessagesFailed = %d, want 1", got)
	}
}

func TestTodayMessagesResetsAtDayBoundary(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m1"))
	clock.Advance(24 * time.Hour)
	if got := c.GetStats().TodayMessages; got != 0 {
		t.Errorf("TodayMessages after day change = %d, want 0", got)
	}
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m2"))

	s := c.GetStats()
	if s.TodayMessages != 1 || s.TotalMessages != 2 {
		t.Errorf("today/total = %d/%d, want 1/2", s.TodayMessages, s.TotalMessages)
	}
}

func TestMessageStatusKeepsTerminalState(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m1"))
	info, ok := c.GetMessageStatus("m1")
	if !ok || info.Status != model.StatusPending {
		t.Fatalf("status = %+v ok=%v, want pending", info, ok)
	}

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventSent, "m1"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventQueued, "m1"))

	info, _ = c.GetMessageStatus("m1")
	if info.Status != model.StatusSent {
		t.Errorf("status = %v, want sent", info.Status)
	}

	if _, ok := c.GetMessageStatus("unknown"); ok {
		t.Error("unknown message should not have a status")
	}
}

func TestMessageStatusCacheIsBounded(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{StatusCacheSize: 2})

	for _, id := range []string{"m1", "m2", "m3"} {
		c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, id))
	}
	if _, ok := c.GetMessageStatus("m1"); ok {
		t.Error("oldest status should have been evicted")
	}
	if _, ok := c.GetMessageStatus("m3"); !ok {
		t.Error("newest status missing")
	}
}

func TestPerformanceMetrics(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})
	from := clock.Now()

	for i := 1; i <= 20; i++ {
		ev := msgEvent(clock, model.MsgEventSent, "m")
		ev.Latency = time.Duration(i) * time.Millisecond
		c.RecordMessageEvent(ev)
	}
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventExpired, "x"))
	c.OnConnect(model.ConnectionEvent{Type: model.ConnEventConnected, ConnectionID: "c1", OccurredAt: clock.Now()})
	c.OnDisconnect(model.ConnectionEvent{Type: model.ConnEventTimeout, ConnectionID: "c1", OccurredAt: clock.Now()})
	clock.Advance(10 * time.Second)

	pm := c.GetPerformanceMetrics(model.TimeRange{From: from, To: clock.Now()})
	if pm.MessagesDelivered != 20 || pm.MessagesFailed != 1 || pm.MessagesAttempted != 21 {
		t.Errorf("delivered/failed/attempted = %d/%d/%d", pm.MessagesDelivered, pm.MessagesFailed, pm.MessagesAttempted)
	}
	if pm.P95Latency != 19*time.Millisecond {
		t.Errorf("P95Latency = %v, want 19ms", pm.P95Latency)
	}
	if pm.MaxLatency != 20*time.Millisecond {
		t.Errorf("MaxLatency = %v, want 20ms", pm.MaxLatency)
	}
	if pm.ThroughputPerSec != 2 {
		t.Errorf("ThroughputPerSec = %v, want 2", pm.ThroughputPerSec)
	}
	if pm.Connects != 1 || pm.Disconnects != 1 || pm.Timeouts != 1 {
		t.Errorf("connects/disconnects/timeouts = %d/%d/%d", pm.Connects, pm.Disconnects, pm.Timeouts)
	}
	if pm.QueueDepth != 7 {
		t.Errorf("QueueDepth = %d, want 7", pm.QueueDepth)
	}
}

func TestMessageStatsRange(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "old"))
	clock.Advance(time.Minute)
	from := clock.Now()

	ev := msgEvent(clock, model.MsgEventReceived, "m1")
	ev.Priority = model.PriorityUrgent
	c.RecordMessageEvent(ev)
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventRetried, "m1"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventSent, "m1"))

	ms := c.GetMessageStats(model.TimeRange{From: from})
	if ms.Total != 1 {
		t.Errorf("Total = %d, want 1", ms.Total)
	}
	if ms.ByPriority[model.PriorityUrgent.String()] != 1 {
		t.Errorf("ByPriority = %v", ms.ByPriority)
	}
	if ms.RetriedTotal != 1 || ms.SuccessRate != 1 {
		t.Errorf("retried=%d rate=%v", ms.RetriedTotal, ms.SuccessRate)
	}
	if ms.ByEventType[model.MsgEventReceived] != 1 {
		t.Errorf("ByEventType = %v", ms.ByEventType)
	}
}

func TestHistoryQueries(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{LogCapacity: 3})

	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		c.OnConnect(model.ConnectionEvent{Type: model.ConnEventConnected, ConnectionID: id, UserID: "u1", OccurredAt: clock.Now()})
		clock.Advance(time.Second)
	}

	got := c.ConnectionHistory(model.HistoryQuery{UserID: "u1"})
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	if got[0].ConnectionID != "c4" || got[2].ConnectionID != "c2" {
		t.Errorf("history order = %s..%s, want newest first", got[0].ConnectionID, got[2].ConnectionID)
	}
	if got[0].ID <= got[1].ID {
		t.Error("event ids should be increasing")
	}

	limited := c.ConnectionHistory(model.HistoryQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited length = %d, want 1", len(limited))
	}

	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m1"))
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m2"))
	if evs := c.MessageEvents(model.HistoryQuery{MessageID: "m2"}); len(evs) != 1 {
		t.Errorf("MessageEvents(m2) = %d, want 1", len(evs))
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	block  chan struct{}
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev model.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSinkReceivesEventsAndDrainsOnClose(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{})
	sink := &recordingSink{err: errors.New("ignored")}
	c.Subscribe(sink)

	c.OnConnect(model.ConnectionEvent{Type: model.ConnEventConnected, ConnectionID: "c1", OccurredAt: clock.Now()})
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m1"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sink.count() != 2 {
		t.Errorf("sink received %d events, want 2", sink.count())
	}

	// 关闭后的事件不再投递，也不会 panic
	c.RecordMessageEvent(msgEvent(clock, model.MsgEventSent, "m1"))
	if sink.count() != 2 {
		t.Errorf("sink received events after close")
	}
}

func TestSlowSinkDropsInsteadOfBlocking(t *testing.T) {
	clock := newFakeClock()
	c := newTestCollector(t, clock, Config{SinkBuffer: 1})
	sink := &recordingSink{block: make(chan struct{})}
	c.Subscribe(sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.RecordMessageEvent(msgEvent(clock, model.MsgEventReceived, "m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recording blocked on a slow sink")
	}

	// 工作协程最多持有 1 条，缓冲 1 条，其余全部丢弃
	if got := c.DroppedEvents(); got < 8 {
		t.Errorf("DroppedEvents = %d, want >= 8", got)
	}
	if got := c.GetStats().TotalMessages; got != 10 {
		t.Errorf("TotalMessages = %d, want 10", got)
	}

	close(sink.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
