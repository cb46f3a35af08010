package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

type fakeSender struct {
	reqs []model.SendRequest
	err  error
}

func (s *fakeSender) SendRequest(_ context.Context, req model.SendRequest) (*model.Envelope, *model.SendResult, *model.BroadcastResult, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, nil, nil, s.err
	}
	return &model.Envelope{ID: req.ID}, &model.SendResult{MessageID: req.ID, Success: true}, nil, nil
}

func message(value string, offset int64) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "notification-events", Partition: 2, Offset: offset, Value: []byte(value)}
}

func TestHandleMessageTranslatesEvent(t *testing.T) {
	sender := &fakeSender{}
	c := NewNotificationConsumer(sender, logger.NewNopLogger())

	err := c.HandleMessage(context.Background(), message(`{"event_type":"inbox_message","user_id":"u1","payload":{"text":"hi"}}`, 7))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(sender.reqs) != 1 {
		t.Fatalf("requests = %d", len(sender.reqs))
	}
	req := sender.reqs[0]
	if req.Target != "user" || req.Type != "user" || req.UserID != "u1" {
		t.Errorf("req = %+v", req)
	}
	if req.ID != "notification-events-2-7" {
		t.Errorf("id = %q", req.ID)
	}
	if string(req.Payload) != `{"text":"hi"}` {
		t.Errorf("payload = %s", req.Payload)
	}
}

func TestHandleMessageKeepsExplicitFields(t *testing.T) {
	sender := &fakeSender{}
	c := NewNotificationConsumer(sender, logger.NewNopLogger())

	_ = c.HandleMessage(context.Background(), message(`{"id":"m-1","event_type":"system_announcement","type":"custom","target":"group","group":"ops"}`, 1))
	req := sender.reqs[0]
	if req.ID != "m-1" || req.Type != "custom" || req.Target != "group" {
		t.Errorf("req = %+v", req)
	}
}

func TestHandleMessageSwallowsBadInput(t *testing.T) {
	sender := &fakeSender{err: model.ErrInvalidEnvelope}
	c := NewNotificationConsumer(sender, logger.NewNopLogger())

	if err := c.HandleMessage(context.Background(), message(`{not json`, 1)); err != nil {
		t.Errorf("malformed message err = %v", err)
	}
	if len(sender.reqs) != 0 {
		t.Error("malformed message reached sender")
	}
	if err := c.HandleMessage(context.Background(), message(`{"user_id":"u1"}`, 2)); err != nil {
		t.Errorf("invalid request err = %v", err)
	}
}

func TestHandleMessageStopsOnCancel(t *testing.T) {
	sender := &fakeSender{err: context.Canceled}
	c := NewNotificationConsumer(sender, logger.NewNopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.HandleMessage(ctx, message(`{"user_id":"u1"}`, 3))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestInferTarget(t *testing.T) {
	cases := []struct {
		req  model.SendRequest
		want string
	}{
		{model.SendRequest{UserID: "u"}, "user"},
		{model.SendRequest{UserIDs: []string{"a"}}, "users"},
		{model.SendRequest{Group: "g"}, "group"},
		{model.SendRequest{Groups: []string{"g"}}, "groups"},
		{model.SendRequest{}, "all"},
	}
	for _, c := range cases {
		if got := inferTarget(c.req); got != c.want {
			t.Errorf("inferTarget(%+v) = %q, want %q", c.req, got, c.want)
		}
	}
}
