package heartbeat

import (
	"context"
	"sync"
	"time"

	"snippet-notify/apps/notify-service/internal/registry"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// Prober 可选的主动探测能力，由传输层实现
type Prober interface {
	Ping(ctx context.Context, connectionID string) error
}

// Reclaimer 回收与连接绑定的待重试消息
type Reclaimer interface {
	DropForConnection(connectionID string) int
	CleanupExpired(before time.Time) int
}

// Config 心跳配置
type Config struct {
	Interval     time.Duration
	Timeout      time.Duration
	ProbeTimeout time.Duration
	Now          func() time.Time
}

// Monitor 心跳监控：定期扫描连接注册表，探测空闲连接并清理超时连接
type Monitor struct {
	conns     *registry.ConnectionRegistry
	reclaimer Reclaimer
	prober    Prober

	interval     time.Duration
	timeout      time.Duration
	probeTimeout time.Duration
	now          func() time.Time
	logger       logger.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewMonitor 创建心跳监控，prober 可以为 nil
func NewMonitor(cfg Config, conns *registry.ConnectionRegistry, reclaimer Reclaimer, prober Prober, log logger.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = time.Second
	}
	return &Monitor{
		conns:        conns,
		reclaimer:    reclaimer,
		prober:       prober,
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		probeTimeout: cfg.ProbeTimeout,
		now:          cfg.Now,
		logger:       log,
		stopCh:       make(chan struct{}),
	}
}

// Sweep 执行一次扫描
func (m *Monitor) Sweep(ctx context.Context) model.CleanupResult {
	return m.sweep(ctx, m.timeout)
}

// CleanupExpiredConnections 以给定的分钟数作为超时执行一次扫描，<=0 时使用配置值
func (m *Monitor) CleanupExpiredConnections(ctx context.Context, timeoutMinutes int) model.CleanupResult {
	timeout := m.timeout
	if timeoutMinutes > 0 {
		timeout = time.Duration(timeoutMinutes) * time.Minute
	}
	return m.sweep(ctx, timeout)
}

func (m *Monitor) sweep(ctx context.Context, timeout time.Duration) model.CleanupResult {
	now := m.now()
	result := model.CleanupResult{SweptAt: now}

	for _, info := range m.conns.Snapshot() {
		idle := now.Sub(info.LastActivityAt)
		switch {
		case idle > timeout:
			if _, expired := m.conns.ExpireIfIdle(info.ConnectionID, now.Add(-timeout)); !expired {
				continue
			}
			result.ConnectionsRemoved++
			if m.reclaimer != nil {
				result.MessagesReclaimed += m.reclaimer.DropForConnection(info.ConnectionID)
			}
			m.logger.Info(ctx, "Connection heartbeat timeout",
				logger.F("connectionID", info.ConnectionID),
				logger.F("userID", info.UserID),
				logger.F("idle", idle.String()))

		case m.prober != nil && m.interval > 0 && idle >= m.interval:
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			if err := m.prober.Ping(probeCtx, info.ConnectionID); err != nil {
				m.logger.Debug(ctx, "Heartbeat probe failed",
					logger.F("connectionID", info.ConnectionID),
					logger.F("error", err))
			}
			cancel()
		}
	}

	if m.reclaimer != nil {
		result.MessagesReclaimed += m.reclaimer.CleanupExpired(now)
	}
	return result
}

// Start 启动定时扫描
func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				res := m.Sweep(context.WithoutCancel(ctx))
				if res.ConnectionsRemoved > 0 || res.MessagesReclaimed > 0 {
					m.logger.Info(ctx, "Heartbeat sweep reclaimed resources",
						logger.F("connectionsRemoved", res.ConnectionsRemoved),
						logger.F("messagesReclaimed", res.MessagesReclaimed))
				}
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info(ctx, "Heartbeat monitor started",
		logger.F("interval", m.interval.String()),
		logger.F("timeout", m.timeout.String()))
	return nil
}

// Stop 停止定时扫描
func (m *Monitor) Stop(ctx context.Context) error {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.logger.Info(ctx, "Heartbeat monitor stopped")
	return nil
}
