package service

import (
	"context"
	"fmt"
	"time"

	"snippet-notify/apps/notify-service/model"
)

// BuildEnvelope 将外部请求转换为信封
func (s *Service) BuildEnvelope(req model.SendRequest) (*model.Envelope, error) {
	typ, err := model.ParseMessageType(req.Type)
	if err != nil {
		return nil, err
	}
	priority, err := model.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	kind, err := model.ParseTargetKind(req.Target)
	if err != nil {
		return nil, err
	}

	b := s.NewEnvelope([]byte(req.Payload)).Type(typ).Priority(priority)
	if req.ID != "" {
		b.ID(req.ID)
	}
	if req.MaxRetries != nil {
		b.MaxRetries(*req.MaxRetries)
	}
	if req.TTLSeconds < 0 || req.Delay < 0 {
		return nil, fmt.Errorf("%w: negative ttl or delay", model.ErrInvalidEnvelope)
	}
	if req.TTLSeconds > 0 {
		b.TTL(time.Duration(req.TTLSeconds) * time.Second)
	}
	if req.Delay > 0 {
		b.Delay(time.Duration(req.Delay) * time.Second)
	}
	if !req.ScheduledAt.IsZero() {
		b.ScheduleAt(req.ScheduledAt)
	}

	switch kind {
	case model.TargetUser:
		b.ToUser(req.UserID)
	case model.TargetUsers:
		b.ToUsers(req.UserIDs...)
	case model.TargetGroup:
		b.ToGroup(req.Group)
	case model.TargetGroups:
		b.ToGroups(req.Groups...)
	default:
		b.ToAll(req.Exclude...)
	}
	return b.Build()
}

// SendRequest 构建信封并按目标派发
func (s *Service) SendRequest(ctx context.Context, req model.SendRequest) (*model.Envelope, *model.SendResult, *model.BroadcastResult, error) {
	env, err := s.BuildEnvelope(req)
	if err != nil {
		return nil, nil, nil, err
	}
	single, multi := s.Send(ctx, env)
	return env, single, multi, nil
}
