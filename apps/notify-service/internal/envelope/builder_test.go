package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	"snippet-notify/apps/notify-service/model"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestFactory() *Factory {
	return NewFactory(
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return "msg-1" }),
		WithMaxPayloadSize(16),
	)
}

func TestBuildDefaults(t *testing.T) {
	env, err := newTestFactory().New([]byte("hi")).ToUser("u1").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if env.ID != "msg-1" || env.Type != model.TypeNotification || env.Priority != model.PriorityNormal {
		t.Errorf("unexpected defaults: %+v", env)
	}
	if env.MaxRetries != DefaultMaxRetries || env.Status != model.StatusPending {
		t.Errorf("unexpected retry/status defaults: %+v", env)
	}
	if !env.CreatedAt.Equal(testNow) || !env.ScheduledAt.IsZero() || !env.ExpiresAt.IsZero() {
		t.Errorf("unexpected timestamps: %+v", env)
	}
}

func TestBuildRelativeTimes(t *testing.T) {
	env, err := newTestFactory().New(nil).
		ToGroups("a", "b", "a").
		Priority(model.PriorityUrgent).
		Delay(time.Minute).
		TTL(time.Hour).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(env.Target.Groups) != 2 {
		t.Errorf("groups not deduplicated: %v", env.Target.Groups)
	}
	if !env.ScheduledAt.Equal(testNow.Add(time.Minute)) || !env.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("unexpected schedule/expiry: %v / %v", env.ScheduledAt, env.ExpiresAt)
	}
}

func TestBuildValidation(t *testing.T) {
	f := newTestFactory()
	tests := []struct {
		name string
		b    *Builder
	}{
		{"no target", f.New(nil)},
		{"two targets", f.New(nil).ToUser("u1").ToGroup("g")},
		{"empty user", f.New(nil).ToUser("")},
		{"empty users", f.New(nil).ToUsers("", "")},
		{"payload too large", f.New([]byte(strings.Repeat("x", 17))).ToUser("u1")},
		{"expired at creation", f.New(nil).ToUser("u1").ExpiresAt(testNow)},
		{"scheduled after expiry", f.New(nil).ToUser("u1").TTL(time.Second).Delay(time.Minute)},
		{"negative retries", f.New(nil).ToUser("u1").MaxRetries(-1)},
		{"bad priority", f.New(nil).ToUser("u1").Priority(model.Priority(9))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Build(); !errors.Is(err, model.ErrInvalidEnvelope) {
				t.Errorf("expected ErrInvalidEnvelope, got %v", err)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	env, err := newTestFactory().New([]byte("abc")).ToUsers("u1", "u2").Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	env.MarkDelivered("c1")

	c := env.Clone()
	c.Payload[0] = 'z'
	c.Target.UserIDs[0] = "changed"
	c.MarkDelivered("c2")

	if string(env.Payload) != "abc" || env.Target.UserIDs[0] != "u1" {
		t.Error("clone shares payload or target slices")
	}
	if !c.Delivered("c1") || env.Delivered("c2") {
		t.Error("delivered set not copied independently")
	}
}

func TestStatusTransitions(t *testing.T) {
	env, _ := newTestFactory().New(nil).ToUser("u1").Build()
	if err := env.TransitionTo(model.StatusSending); err != nil {
		t.Fatalf("pending->sending: %v", err)
	}
	if err := env.TransitionTo(model.StatusPending); err != nil {
		t.Fatalf("sending->pending: %v", err)
	}
	if err := env.TransitionTo(model.StatusCancelled); err != nil {
		t.Fatalf("pending->cancelled: %v", err)
	}
	if err := env.TransitionTo(model.StatusPending); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("cancelled envelope was resurrected: %v", err)
	}
}
