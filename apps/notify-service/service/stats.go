package service

import (
	"snippet-notify/apps/notify-service/model"
)

// GetStats 总体统计
func (s *Service) GetStats() model.Stats {
	return s.stats.GetStats()
}

// GetPerformanceMetrics 区间性能指标
func (s *Service) GetPerformanceMetrics(r model.TimeRange) model.PerformanceMetrics {
	return s.stats.GetPerformanceMetrics(r)
}

// GetMessageStats 区间消息统计
func (s *Service) GetMessageStats(r model.TimeRange) model.MessageStats {
	return s.stats.GetMessageStats(r)
}

// ConnectionHistory 连接事件历史
func (s *Service) ConnectionHistory(q model.HistoryQuery) []model.ConnectionEvent {
	return s.stats.ConnectionHistory(q)
}

// MessageEvents 消息事件历史
func (s *Service) MessageEvents(q model.HistoryQuery) []model.MessageEvent {
	return s.stats.MessageEvents(q)
}

// GetMessageStatus 消息最新状态
func (s *Service) GetMessageStatus(messageID string) (model.MessageStatusInfo, bool) {
	return s.stats.GetMessageStatus(messageID)
}
