package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

type fakeEventDAO struct {
	conns []*model.ConnectionEvent
	msgs  []*model.MessageEvent
}

func (d *fakeEventDAO) SaveConnectionEvent(_ context.Context, ev *model.ConnectionEvent) error {
	d.conns = append(d.conns, ev)
	return nil
}

func (d *fakeEventDAO) SaveMessageEvent(_ context.Context, ev *model.MessageEvent) error {
	d.msgs = append(d.msgs, ev)
	return nil
}

func (d *fakeEventDAO) ConnectionHistory(context.Context, model.HistoryQuery) ([]*model.ConnectionEvent, error) {
	return d.conns, nil
}

func (d *fakeEventDAO) MessageHistory(context.Context, model.HistoryQuery) ([]*model.MessageEvent, error) {
	return d.msgs, nil
}

type fakePresenceDAO struct {
	online map[string]map[string]bool
}

func (d *fakePresenceDAO) SetOnline(_ context.Context, ev *model.ConnectionEvent) error {
	if d.online[ev.UserID] == nil {
		d.online[ev.UserID] = map[string]bool{}
	}
	d.online[ev.UserID][ev.ConnectionID] = true
	return nil
}

func (d *fakePresenceDAO) SetOffline(_ context.Context, ev *model.ConnectionEvent) error {
	delete(d.online[ev.UserID], ev.ConnectionID)
	if len(d.online[ev.UserID]) == 0 {
		delete(d.online, ev.UserID)
	}
	return nil
}

func (d *fakePresenceDAO) IsOnline(_ context.Context, userID string) (bool, error) {
	return len(d.online[userID]) > 0, nil
}

func (d *fakePresenceDAO) OnlineUsers(context.Context) ([]string, error) {
	var out []string
	for u := range d.online {
		out = append(out, u)
	}
	return out, nil
}

func (d *fakePresenceDAO) Connections(_ context.Context, userID string) (map[string]string, error) {
	out := map[string]string{}
	for c := range d.online[userID] {
		out[c] = "{}"
	}
	return out, nil
}

func TestAuditSinkRoutesByKind(t *testing.T) {
	store := &fakeEventDAO{}
	s := NewAuditSink(store)
	ctx := context.Background()

	_ = s.Handle(ctx, model.Event{Connection: &model.ConnectionEvent{ConnectionID: "c1"}})
	_ = s.Handle(ctx, model.Event{Message: &model.MessageEvent{MessageID: "m1"}})
	_ = s.Handle(ctx, model.Event{})

	if len(store.conns) != 1 || len(store.msgs) != 1 {
		t.Errorf("conns=%d msgs=%d, want 1/1", len(store.conns), len(store.msgs))
	}
}

func TestPresenceSinkTracksConnections(t *testing.T) {
	store := &fakePresenceDAO{online: map[string]map[string]bool{}}
	s := NewPresenceSink(store)
	ctx := context.Background()

	_ = s.Handle(ctx, model.Event{Connection: &model.ConnectionEvent{Type: model.ConnEventConnected, UserID: "u1", ConnectionID: "c1"}})
	_ = s.Handle(ctx, model.Event{Connection: &model.ConnectionEvent{Type: model.ConnEventConnected, UserID: "u1", ConnectionID: "c2"}})
	_ = s.Handle(ctx, model.Event{Message: &model.MessageEvent{UserID: "u1"}})
	_ = s.Handle(ctx, model.Event{Connection: &model.ConnectionEvent{Type: model.ConnEventTimeout, UserID: "u1", ConnectionID: "c1"}})

	if online, _ := store.IsOnline(ctx, "u1"); !online {
		t.Fatal("u1 should still be online with c2")
	}
	_ = s.Handle(ctx, model.Event{Connection: &model.ConnectionEvent{Type: model.ConnEventDisconnected, UserID: "u1", ConnectionID: "c2"}})
	if online, _ := store.IsOnline(ctx, "u1"); online {
		t.Error("u1 should be offline")
	}
}

type fakeDeadLetterDAO struct {
	mu      sync.Mutex
	letters []*model.DeadLetter
	block   chan struct{}
}

func (d *fakeDeadLetterDAO) Save(_ context.Context, dl *model.DeadLetter) error {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	d.letters = append(d.letters, dl)
	d.mu.Unlock()
	return nil
}

func (d *fakeDeadLetterDAO) List(context.Context, string, int) ([]*model.DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.letters, nil
}

func (d *fakeDeadLetterDAO) Delete(context.Context, string) (int64, error) {
	return 0, nil
}

func TestDeadLetterWriterFlushesOnClose(t *testing.T) {
	store := &fakeDeadLetterDAO{}
	w := NewDeadLetterWriter(store, 8, logger.NewNopLogger())

	w.DeadLetter(&model.Envelope{ID: "m1", Status: model.StatusFailed})
	w.DeadLetter(&model.Envelope{ID: "m2", Status: model.StatusExpired})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	letters, _ := store.List(ctx, "", 0)
	if len(letters) != 2 || letters[1].Status != "expired" {
		t.Errorf("letters = %+v", letters)
	}

	// 关闭后提交被忽略
	w.DeadLetter(&model.Envelope{ID: "m3"})
}

func TestDeadLetterWriterDropsWhenFull(t *testing.T) {
	store := &fakeDeadLetterDAO{block: make(chan struct{})}
	w := NewDeadLetterWriter(store, 1, logger.NewNopLogger())

	for i := 0; i < 5; i++ {
		w.DeadLetter(&model.Envelope{ID: "m"})
	}
	if w.Dropped() < 3 {
		t.Errorf("Dropped = %d, want >= 3", w.Dropped())
	}

	close(store.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = w.Close(ctx)
}
