package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"snippet-notify/apps/notify-service/internal/registry"
	"snippet-notify/apps/notify-service/model"
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

type fakeReclaimer struct {
	dropped []string
	perConn int
	expired int
}

func (r *fakeReclaimer) DropForConnection(connectionID string) int {
	r.dropped = append(r.dropped, connectionID)
	return r.perConn
}

func (r *fakeReclaimer) CleanupExpired(time.Time) int {
	return r.expired
}

type fakeProber struct {
	pinged []string
	err    error
	onPing func(connectionID string)
}

func (p *fakeProber) Ping(_ context.Context, connectionID string) error {
	p.pinged = append(p.pinged, connectionID)
	if p.onPing != nil {
		p.onPing(connectionID)
	}
	return p.err
}

type timeoutListener struct {
	events []model.ConnectionEvent
}

func (l *timeoutListener) OnConnect(model.ConnectionEvent) {}

func (l *timeoutListener) OnDisconnect(ev model.ConnectionEvent) {
	l.events = append(l.events, ev)
}

func setup(prober Prober) (*Monitor, *registry.ConnectionRegistry, *registry.GroupRegistry, *fakeClock, *fakeReclaimer, *timeoutListener) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	log := logger.NewNopLogger()
	conns := registry.NewConnectionRegistry(log, registry.WithClock(clock.Now))
	groups := registry.NewGroupRegistry(conns, log, registry.WithClock(clock.Now))
	listener := &timeoutListener{}
	conns.AddListener(listener)
	reclaimer := &fakeReclaimer{perConn: 2}

	m := NewMonitor(Config{
		Interval: 30 * time.Second,
		Timeout:  90 * time.Second,
		Now:      clock.Now,
	}, conns, reclaimer, prober, log)
	return m, conns, groups, clock, reclaimer, listener
}

func TestSweepExpiresIdleConnection(t *testing.T) {
	m, conns, groups, clock, reclaimer, listener := setup(nil)

	_, _ = conns.Register("u1", "c1", model.ConnectionMetadata{})
	_ = groups.AddToGroup("c1", "g")

	clock.Advance(91 * time.Second)
	res := m.Sweep(context.Background())

	if res.ConnectionsRemoved != 1 || res.MessagesReclaimed != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if conns.IsOnline("u1") {
		t.Error("u1 still online after timeout")
	}
	if _, err := groups.Members("g"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("group still lists expired connection: %v", err)
	}
	if len(reclaimer.dropped) != 1 || reclaimer.dropped[0] != "c1" {
		t.Errorf("dropped = %v", reclaimer.dropped)
	}
	if len(listener.events) != 1 || listener.events[0].Type != model.ConnEventTimeout {
		t.Errorf("events = %+v", listener.events)
	}
}

func TestSweepKeepsActiveConnections(t *testing.T) {
	m, conns, _, clock, _, _ := setup(nil)

	_, _ = conns.Register("u1", "c1", model.ConnectionMetadata{})
	clock.Advance(60 * time.Second)
	conns.Touch("c1")
	clock.Advance(60 * time.Second)

	if res := m.Sweep(context.Background()); res.ConnectionsRemoved != 0 {
		t.Fatalf("touched connection removed: %+v", res)
	}
	if !conns.IsOnline("u1") {
		t.Error("u1 should still be online")
	}
}

func TestSweepProbesIdleConnections(t *testing.T) {
	prober := &fakeProber{err: errors.New("write failed")}
	m, conns, _, clock, _, _ := setup(prober)

	_, _ = conns.Register("u1", "idle", model.ConnectionMetadata{})
	clock.Advance(45 * time.Second)
	_, _ = conns.Register("u2", "fresh", model.ConnectionMetadata{})

	m.Sweep(context.Background())
	if len(prober.pinged) != 1 || prober.pinged[0] != "idle" {
		t.Fatalf("pinged = %v, want [idle]", prober.pinged)
	}
	if !conns.Exists("idle") {
		t.Error("probe failure alone must not remove the connection")
	}
}

func TestSweepKeepsConnectionTouchedDuringPass(t *testing.T) {
	prober := &fakeProber{}
	m, conns, _, clock, reclaimer, listener := setup(prober)

	_, _ = conns.Register("u1", "a", model.ConnectionMetadata{})
	_, _ = conns.Register("u2", "b", model.ConnectionMetadata{})
	clock.Advance(59 * time.Second)
	conns.Touch("a")
	clock.Advance(40 * time.Second)

	// a 被探测时 b 收到了入站帧，此时 b 的快照已显示超时
	prober.onPing = func(string) { conns.Touch("b") }

	res := m.Sweep(context.Background())
	if len(prober.pinged) != 1 || prober.pinged[0] != "a" {
		t.Fatalf("pinged = %v, want [a]", prober.pinged)
	}
	if res.ConnectionsRemoved != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := conns.Get("b"); !ok {
		t.Fatal("b removed despite activity during the sweep")
	}
	if len(reclaimer.dropped) != 0 || len(listener.events) != 0 {
		t.Errorf("dropped = %v, events = %+v", reclaimer.dropped, listener.events)
	}

	clock.Advance(91 * time.Second)
	prober.onPing = nil
	if res := m.Sweep(context.Background()); res.ConnectionsRemoved != 2 {
		t.Errorf("later sweep removed %d, want 2", res.ConnectionsRemoved)
	}
}

func TestCleanupExpiredConnectionsOverride(t *testing.T) {
	m, conns, _, clock, reclaimer, _ := setup(nil)
	reclaimer.expired = 3

	_, _ = conns.Register("u1", "c1", model.ConnectionMetadata{})
	clock.Advance(61 * time.Second)

	if res := m.CleanupExpiredConnections(context.Background(), 0); res.ConnectionsRemoved != 0 {
		t.Fatalf("configured timeout should keep c1: %+v", res)
	}
	clock.Advance(30 * time.Second)
	res := m.CleanupExpiredConnections(context.Background(), 2)
	if res.ConnectionsRemoved != 0 {
		t.Fatalf("2 minute timeout should keep c1: %+v", res)
	}
	res = m.CleanupExpiredConnections(context.Background(), 1)
	if res.ConnectionsRemoved != 1 || res.MessagesReclaimed != 2+3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStartStop(t *testing.T) {
	m, _, _, _, _, _ := setup(nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
