package service

import (
	"context"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// Connect 注册连接
func (s *Service) Connect(ctx context.Context, userID, connectionID string, metadata model.ConnectionMetadata) (model.ConnectionInfo, error) {
	info, err := s.conns.Register(userID, connectionID, metadata)
	if err != nil {
		s.logger.Warn(ctx, "Failed to register connection",
			logger.F("userID", userID),
			logger.F("connectionID", connectionID),
			logger.F("error", err))
		return model.ConnectionInfo{}, err
	}
	s.logger.Info(ctx, "Connection registered",
		logger.F("userID", userID),
		logger.F("connectionID", connectionID),
		logger.F("clientType", metadata.ClientType))
	return info, nil
}

// Disconnect 注销连接并回收与该连接绑定的重试消息；重复注销返回 NotFound 且无副作用
func (s *Service) Disconnect(ctx context.Context, connectionID string, reason model.DisconnectReason) model.DisconnectionResult {
	res := s.conns.Unregister(connectionID, reason)
	if res.NotFound {
		return res
	}
	reclaimed := s.queue.DropForConnection(connectionID)
	s.logger.Info(ctx, "Connection unregistered",
		logger.F("userID", res.UserID),
		logger.F("connectionID", connectionID),
		logger.F("reason", string(reason)),
		logger.F("duration", res.Duration.String()),
		logger.F("reclaimed", reclaimed))
	return res
}

// ForceDisconnect 断开用户的全部连接，返回断开数量
func (s *Service) ForceDisconnect(ctx context.Context, userID string, reason model.DisconnectReason) int {
	if reason == "" {
		reason = model.ReasonForced
	}
	closed := 0
	for _, info := range s.conns.ListByUser(userID) {
		if res := s.Disconnect(ctx, info.ConnectionID, reason); !res.NotFound {
			closed++
		}
	}
	return closed
}

// Touch 刷新连接活跃时间，每个入站帧调用一次
func (s *Service) Touch(connectionID string) bool {
	return s.conns.Touch(connectionID)
}

// SetConnectionState 更新连接状态
func (s *Service) SetConnectionState(connectionID string, state model.ConnectionState) error {
	return s.conns.SetState(connectionID, state)
}

// IsOnline 用户是否至少有一个 Connected 状态的连接
func (s *Service) IsOnline(userID string) bool {
	return s.conns.IsOnline(userID)
}

// GetConnectionStatus 用户连接状态
func (s *Service) GetConnectionStatus(userID string) model.ConnectionStatus {
	conns := s.conns.ListByUser(userID)
	if conns == nil {
		conns = []model.ConnectionInfo{}
	}
	groups := s.groups.GroupsOf(userID)
	if groups == nil {
		groups = []string{}
	}
	return model.ConnectionStatus{
		UserID:      userID,
		Online:      s.conns.IsOnline(userID),
		Connections: conns,
		Groups:      groups,
	}
}

// CleanupExpiredConnections 立即执行一次心跳清理，timeoutMinutes<=0 时使用配置的超时
func (s *Service) CleanupExpiredConnections(ctx context.Context, timeoutMinutes int) model.CleanupResult {
	return s.monitor.CleanupExpiredConnections(ctx, timeoutMinutes)
}

// AddToGroup 将连接加入群组
func (s *Service) AddToGroup(connectionID, group string) error {
	return s.groups.AddToGroup(connectionID, group)
}

// RemoveFromGroup 将连接移出群组
func (s *Service) RemoveFromGroup(connectionID, group string) error {
	return s.groups.RemoveFromGroup(connectionID, group)
}

// AddUserToGroup 将用户加入群组，当前和之后建立的连接都会加入
func (s *Service) AddUserToGroup(userID, group string) (int, error) {
	return s.groups.AddUserToGroup(userID, group)
}

// RemoveUserFromGroup 将用户移出群组
func (s *Service) RemoveUserFromGroup(userID, group string) int {
	return s.groups.RemoveUserFromGroup(userID, group)
}

// GroupMembers 群组当前成员连接
func (s *Service) GroupMembers(group string) ([]model.ConnectionInfo, error) {
	return s.groups.Members(group)
}

// GroupStats 群组统计
func (s *Service) GroupStats(group string) (model.GroupStats, error) {
	return s.groups.GroupStats(group)
}

// Groups 全部群组
func (s *Service) Groups() []string {
	return s.groups.Groups()
}
