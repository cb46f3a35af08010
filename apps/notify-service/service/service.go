package service

import (
	"context"
	"time"

	"snippet-notify/apps/notify-service/internal/dispatcher"
	"snippet-notify/apps/notify-service/internal/envelope"
	"snippet-notify/apps/notify-service/internal/heartbeat"
	"snippet-notify/apps/notify-service/internal/queue"
	"snippet-notify/apps/notify-service/internal/registry"
	"snippet-notify/apps/notify-service/internal/stats"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/backoff"
	"snippet-notify/pkg/config"
	"snippet-notify/pkg/logger"
)

// Options 服务依赖
type Options struct {
	Config    config.NotifyConfig
	Transport dispatcher.Transport
	// Prober 可选，传输层支持主动探测时提供
	Prober heartbeat.Prober
	// NodeID 事件ID的节点号
	NodeID int64
	Now    func() time.Time
}

// Service 实时连接与消息投递服务
type Service struct {
	conns      *registry.ConnectionRegistry
	groups     *registry.GroupRegistry
	factory    *envelope.Factory
	dispatcher *dispatcher.Dispatcher
	queue      *queue.RetryQueue
	processor  *queue.Processor
	monitor    *heartbeat.Monitor
	stats      *stats.Collector

	batchSize int
	now       func() time.Time
	logger    logger.Logger
}

// NewService 创建服务并完成内部组件装配
func NewService(opts Options, log logger.Logger) (*Service, error) {
	cfg := opts.Config
	if opts.Now == nil {
		opts.Now = time.Now
	}

	regOpts := []registry.Option{registry.WithClock(opts.Now)}
	if cfg.Connection.Shards > 0 {
		regOpts = append(regOpts, registry.WithShards(cfg.Connection.Shards))
	}
	conns := registry.NewConnectionRegistry(log, regOpts...)
	groups := registry.NewGroupRegistry(conns, log, regOpts...)

	var q *queue.RetryQueue
	collector, err := stats.NewCollector(stats.Config{
		LogCapacity:     cfg.Events.LogCapacity,
		SinkBuffer:      cfg.Events.SinkBuffer,
		StatusCacheSize: cfg.Events.StatusCacheSize,
		NodeID:          opts.NodeID,
		Now:             opts.Now,
	}, stats.Sources{
		Connections: conns.Count,
		OnlineUsers: conns.OnlineUsers,
		QueueDepth:  func() int { return q.Len() },
	}, log)
	if err != nil {
		return nil, err
	}
	conns.AddListener(collector)

	q = queue.NewRetryQueue(queue.Config{
		Capacity: cfg.Queue.Capacity,
		Backoff: backoff.Policy{
			Initial: cfg.Queue.Backoff.Initial,
			Max:     cfg.Queue.Backoff.Max,
			Factor:  cfg.Queue.Backoff.Factor,
			Jitter:  cfg.Queue.Backoff.Jitter,
		},
		Now: opts.Now,
	}, collector, log)

	d := dispatcher.NewDispatcher(dispatcher.Config{
		SendTimeout: cfg.Connection.SendTimeout,
		Concurrency: cfg.Fanout.Concurrency,
		Now:         opts.Now,
	}, conns, groups, opts.Transport, q, collector, log)
	q.SetDeliverer(d.Redeliver)

	factoryOpts := []envelope.FactoryOption{envelope.WithClock(opts.Now)}
	if cfg.Queue.MaxRetries > 0 {
		factoryOpts = append(factoryOpts, envelope.WithMaxRetries(cfg.Queue.MaxRetries))
	}
	if cfg.Connection.MaxPayloadSize > 0 {
		factoryOpts = append(factoryOpts, envelope.WithMaxPayloadSize(cfg.Connection.MaxPayloadSize))
	}

	return &Service{
		conns:      conns,
		groups:     groups,
		factory:    envelope.NewFactory(factoryOpts...),
		dispatcher: d,
		queue:      q,
		processor:  queue.NewProcessor(q, cfg.Queue.ProcessInterval, cfg.Queue.BatchSize, log),
		monitor: heartbeat.NewMonitor(heartbeat.Config{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
			Now:      opts.Now,
		}, conns, q, opts.Prober, log),
		stats:     collector,
		batchSize: cfg.Queue.BatchSize,
		now:       opts.Now,
		logger:    log,
	}, nil
}

// Start 启动重试队列处理与心跳扫描
func (s *Service) Start(ctx context.Context) error {
	if err := s.processor.Start(ctx); err != nil {
		return err
	}
	return s.monitor.Start(ctx)
}

// Stop 停止后台任务，断开全部连接，等待事件订阅者处理完缓冲
func (s *Service) Stop(ctx context.Context) error {
	if err := s.monitor.Stop(ctx); err != nil {
		s.logger.Warn(ctx, "Heartbeat monitor stop interrupted", logger.F("error", err))
	}
	if err := s.processor.Stop(ctx); err != nil {
		s.logger.Warn(ctx, "Retry queue processor stop interrupted", logger.F("error", err))
	}

	closed := 0
	for _, userID := range s.conns.UserIDs() {
		closed += s.ForceDisconnect(ctx, userID, model.ReasonShutdown)
	}
	s.logger.Info(ctx, "Notify service stopped",
		logger.F("connectionsClosed", closed),
		logger.F("queueRemaining", s.queue.Len()))

	return s.stats.Close(ctx)
}

// AddConnectionListener 订阅连接生命周期，传输层据此关闭被动断开的连接
func (s *Service) AddConnectionListener(l registry.Listener) {
	s.conns.AddListener(l)
}

// Subscribe 订阅连接/消息事件
func (s *Service) Subscribe(sink stats.Sink) {
	s.stats.Subscribe(sink)
}

// SetDeadLetter 设置死信接收者
func (s *Service) SetDeadLetter(d queue.DeadLetterer) {
	s.queue.SetDeadLetter(d)
}

// Metrics Prometheus 指标
func (s *Service) Metrics() *stats.Metrics {
	return s.stats.Metrics()
}

// NewEnvelope 以服务默认参数构造信封
func (s *Service) NewEnvelope(payload []byte) *envelope.Builder {
	return s.factory.New(payload)
}
