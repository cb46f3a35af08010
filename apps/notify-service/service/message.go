package service

import (
	"context"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// SendToUser 发送给用户
func (s *Service) SendToUser(ctx context.Context, userID string, env *model.Envelope) *model.SendResult {
	return s.dispatcher.SendToUser(ctx, userID, env)
}

// SendToUsers 发送给多个用户
func (s *Service) SendToUsers(ctx context.Context, userIDs []string, env *model.Envelope) *model.BroadcastResult {
	return s.dispatcher.SendToUsers(ctx, userIDs, env)
}

// Broadcast 广播给所有在线用户，可排除部分用户
func (s *Service) Broadcast(ctx context.Context, env *model.Envelope, excludeUserIDs []string) *model.BroadcastResult {
	return s.dispatcher.Broadcast(ctx, env, excludeUserIDs)
}

// SendToGroup 发送给群组
func (s *Service) SendToGroup(ctx context.Context, group string, env *model.Envelope) *model.SendResult {
	return s.dispatcher.SendToGroup(ctx, group, env)
}

// SendToGroups 发送给多个群组，同一连接只收到一次
func (s *Service) SendToGroups(ctx context.Context, groups []string, env *model.Envelope) *model.BroadcastResult {
	return s.dispatcher.SendToGroups(ctx, groups, env)
}

// Send 按信封目标派发
func (s *Service) Send(ctx context.Context, env *model.Envelope) (*model.SendResult, *model.BroadcastResult) {
	return s.dispatcher.Dispatch(ctx, env)
}

// EnqueueMessage 直接放入重试队列，由后台处理器按优先级投递
func (s *Service) EnqueueMessage(ctx context.Context, env *model.Envelope) model.QueueResult {
	res := s.queue.Enqueue(env)
	if !res.Success {
		s.logger.Warn(ctx, "Failed to enqueue message",
			logger.F("messageID", env.ID),
			logger.F("priority", env.Priority.String()),
			logger.F("error", string(res.Error)))
	}
	return res
}

// CancelMessage 取消排队中的消息，返回取消的副本数
func (s *Service) CancelMessage(ctx context.Context, messageID string) (int, error) {
	n, err := s.queue.Cancel(messageID)
	if err == nil {
		s.logger.Info(ctx, "Message cancelled",
			logger.F("messageID", messageID),
			logger.F("copies", n))
	}
	return n, err
}

// ProcessQueue 立即处理一批重试消息，batchSize<=0 时使用配置值
func (s *Service) ProcessQueue(ctx context.Context, batchSize int) model.ProcessResult {
	if batchSize <= 0 {
		batchSize = s.batchSize
	}
	return s.queue.ProcessBatch(ctx, batchSize)
}

// PendingMessages 排队中的消息副本
func (s *Service) PendingMessages() []*model.Envelope {
	return s.queue.Pending()
}
