package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
	"snippet-notify/pkg/snowflake"
)

// Sources 实时数据来源
type Sources struct {
	Connections func() int
	OnlineUsers func() int
	QueueDepth  func() int
}

// Config 统计配置
type Config struct {
	LogCapacity     int
	SinkBuffer      int
	StatusCacheSize int
	NodeID          int64
	Now             func() time.Time
}

// Collector 统计与事件日志：只观察，不阻塞也不否决任何操作
type Collector struct {
	startedAt time.Time
	now       func() time.Time
	sources   Sources
	ids       *snowflake.Node
	log       *EventLog
	status    *lru.Cache[string, model.MessageStatusInfo]
	metrics   *Metrics
	sinks     sinkSet
	sinkBuf   int
	logger    logger.Logger

	totalConnections  atomic.Int64
	closedConnections atomic.Int64
	closedDurationNs  atomic.Int64
	totalMessages     atomic.Int64
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	droppedEvents     atomic.Int64

	dayMu    sync.Mutex
	day      string
	dayCount int64
}

// NewCollector 创建统计收集器
func NewCollector(cfg Config, sources Sources, log logger.Logger) (*Collector, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = 10000
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 1024
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = 10000
	}

	ids, err := snowflake.NewNodeWithClock(cfg.NodeID, cfg.Now)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, model.MessageStatusInfo](cfg.StatusCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Collector{
		startedAt: cfg.Now(),
		now:       cfg.Now,
		sources:   sources,
		ids:       ids,
		log:       NewEventLog(cfg.LogCapacity),
		status:    cache,
		sinkBuf:   cfg.SinkBuffer,
		logger:    log,
	}
	c.metrics = NewMetrics(
		gauge(sources.Connections),
		gauge(sources.OnlineUsers),
		gauge(sources.QueueDepth),
	)
	return c, nil
}

func gauge(fn func() int) func() float64 {
	if fn == nil {
		return nil
	}
	return func() float64 { return float64(fn()) }
}

// Metrics Prometheus 指标
func (c *Collector) Metrics() *Metrics {
	return c.metrics
}

// OnConnect 记录连接事件
func (c *Collector) OnConnect(ev model.ConnectionEvent) {
	c.totalConnections.Add(1)
	c.recordConnection(ev)
}

// OnDisconnect 记录断开事件
func (c *Collector) OnDisconnect(ev model.ConnectionEvent) {
	c.closedConnections.Add(1)
	c.closedDurationNs.Add(int64(ev.Duration))
	c.metrics.ConnectionDuration.Observe(ev.Duration.Seconds())
	c.recordConnection(ev)
}

func (c *Collector) recordConnection(ev model.ConnectionEvent) {
	ev.ID = c.ids.Next()
	c.log.AppendConnection(ev)
	c.metrics.ConnectionEvents.WithLabelValues(string(ev.Type)).Inc()
	c.publish(model.Event{Connection: &ev})
}

// RecordMessageEvent 记录消息事件
func (c *Collector) RecordMessageEvent(ev model.MessageEvent) {
	ev.ID = c.ids.Next()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = c.now()
	}

	switch {
	case ev.Type == model.MsgEventReceived:
		c.totalMessages.Add(1)
		c.countToday(ev.OccurredAt)
	case ev.Type == model.MsgEventSent:
		c.messagesSent.Add(1)
		if ev.Latency > 0 {
			c.metrics.SendLatency.Observe(ev.Latency.Seconds())
		}
	case isFailure(ev):
		c.messagesFailed.Add(1)
	}

	c.log.AppendMessage(ev)
	c.metrics.MessageEvents.WithLabelValues(string(ev.Type), ev.Priority.String()).Inc()
	c.updateStatus(ev)
	c.publish(model.Event{Message: &ev})
}

// isFailure 计入失败率的事件；离线用户属于预期情况，不计入
func isFailure(ev model.MessageEvent) bool {
	switch ev.Type {
	case model.MsgEventFailed, model.MsgEventDropped, model.MsgEventExpired, model.MsgEventEvicted:
		return true
	case model.MsgEventRejected:
		return ev.Error != model.ErrKindNoActiveConnection && ev.Error != model.ErrKindNotFound
	}
	return false
}

func statusFor(typ model.MessageEventType) (model.MessageStatus, bool) {
	switch typ {
	case model.MsgEventReceived, model.MsgEventQueued, model.MsgEventRetried:
		return model.StatusPending, true
	case model.MsgEventSent:
		return model.StatusSent, true
	case model.MsgEventFailed, model.MsgEventDropped, model.MsgEventEvicted, model.MsgEventRejected:
		return model.StatusFailed, true
	case model.MsgEventExpired:
		return model.StatusExpired, true
	case model.MsgEventCancelled:
		return model.StatusCancelled, true
	}
	return 0, false
}

// updateStatus 更新消息最新状态；终态不会被非终态覆盖
func (c *Collector) updateStatus(ev model.MessageEvent) {
	next, ok := statusFor(ev.Type)
	if !ok || ev.MessageID == "" {
		return
	}
	if prev, found := c.status.Get(ev.MessageID); found && prev.Status.IsTerminal() && !next.IsTerminal() {
		return
	}
	c.status.Add(ev.MessageID, model.MessageStatusInfo{
		MessageID:  ev.MessageID,
		Status:     next,
		RetryCount: ev.RetryCount,
		LastError:  ev.Error,
		UpdatedAt:  ev.OccurredAt,
	})
}

// GetMessageStatus 查询消息最新状态
func (c *Collector) GetMessageStatus(messageID string) (model.MessageStatusInfo, bool) {
	return c.status.Get(messageID)
}

func (c *Collector) countToday(at time.Time) {
	day := at.Format("2006-01-02")
	c.dayMu.Lock()
	if day != c.day {
		c.day = day
		c.dayCount = 0
	}
	c.dayCount++
	c.dayMu.Unlock()
}

func (c *Collector) today() int64 {
	day := c.now().Format("2006-01-02")
	c.dayMu.Lock()
	defer c.dayMu.Unlock()
	if day != c.day {
		return 0
	}
	return c.dayCount
}

// GetStats 总体统计快照
func (c *Collector) GetStats() model.Stats {
	s := model.Stats{
		TotalConnections: c.totalConnections.Load(),
		TotalMessages:    c.totalMessages.Load(),
		TodayMessages:    c.today(),
		MessagesSent:     c.messagesSent.Load(),
		MessagesFailed:   c.messagesFailed.Load(),
		DroppedEvents:    c.droppedEvents.Load(),
		Uptime:           c.now().Sub(c.startedAt),
	}
	if c.sources.Connections != nil {
		s.ActiveConnections = c.sources.Connections()
	}
	if c.sources.OnlineUsers != nil {
		s.OnlineUsers = c.sources.OnlineUsers()
	}
	if c.sources.QueueDepth != nil {
		s.QueueDepth = c.sources.QueueDepth()
	}
	if closed := c.closedConnections.Load(); closed > 0 {
		s.AverageConnectionDuration = time.Duration(c.closedDurationNs.Load() / closed)
	}
	s.MessageSuccessRate = rate(s.MessagesSent, s.MessagesFailed)
	return s
}

// GetPerformanceMetrics 区间内的性能指标，基于内存事件日志
func (c *Collector) GetPerformanceMetrics(r model.TimeRange) model.PerformanceMetrics {
	r = c.normalize(r)
	pm := model.PerformanceMetrics{Range: r}

	var latencies []time.Duration
	var total time.Duration
	for _, ev := range c.log.MessageEvents(model.HistoryQuery{Range: r}) {
		switch {
		case ev.Type == model.MsgEventSent:
			pm.MessagesAttempted++
			pm.MessagesDelivered++
			latencies = append(latencies, ev.Latency)
			total += ev.Latency
			if ev.Latency > pm.MaxLatency {
				pm.MaxLatency = ev.Latency
			}
		case isFailure(ev):
			pm.MessagesAttempted++
			pm.MessagesFailed++
		}
	}
	if n := len(latencies); n > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pm.AverageLatency = total / time.Duration(n)
		pm.P95Latency = latencies[(n*95+99)/100-1]
	}
	if secs := r.To.Sub(r.From).Seconds(); secs > 0 {
		pm.ThroughputPerSec = float64(pm.MessagesDelivered) / secs
	}

	for _, ev := range c.log.ConnectionHistory(model.HistoryQuery{Range: r}) {
		switch ev.Type {
		case model.ConnEventConnected:
			pm.Connects++
		case model.ConnEventTimeout:
			pm.Timeouts++
			pm.Disconnects++
		default:
			pm.Disconnects++
		}
	}
	if c.sources.QueueDepth != nil {
		pm.QueueDepth = c.sources.QueueDepth()
	}
	return pm
}

// GetMessageStats 区间内的消息统计
func (c *Collector) GetMessageStats(r model.TimeRange) model.MessageStats {
	r = c.normalize(r)
	ms := model.MessageStats{
		Range:       r,
		ByEventType: make(map[model.MessageEventType]int64),
		ByType:      make(map[string]int64),
		ByPriority:  make(map[string]int64),
	}
	var sent, failed int64
	for _, ev := range c.log.MessageEvents(model.HistoryQuery{Range: r}) {
		ms.ByEventType[ev.Type]++
		switch {
		case ev.Type == model.MsgEventReceived:
			ms.Total++
			ms.ByType[ev.MessageType.String()]++
			ms.ByPriority[ev.Priority.String()]++
		case ev.Type == model.MsgEventSent:
			sent++
		case ev.Type == model.MsgEventRetried:
			ms.RetriedTotal++
		case isFailure(ev):
			failed++
		}
	}
	ms.SuccessRate = rate(sent, failed)
	return ms
}

// ConnectionHistory 连接事件查询
func (c *Collector) ConnectionHistory(q model.HistoryQuery) []model.ConnectionEvent {
	return c.log.ConnectionHistory(q)
}

// MessageEvents 消息事件查询
func (c *Collector) MessageEvents(q model.HistoryQuery) []model.MessageEvent {
	return c.log.MessageEvents(q)
}

// Subscribe 订阅事件，每个订阅者独立缓冲，满时丢弃
func (c *Collector) Subscribe(sink Sink) {
	sub := &subscription{
		sink: sink,
		ch:   make(chan model.Event, c.sinkBuf),
		done: make(chan struct{}),
	}
	if !c.sinks.add(sub) {
		return
	}
	go sub.run(c.logger)
	c.logger.Info(context.Background(), "Event sink subscribed", logger.F("sink", sink.Name()))
}

func (c *Collector) publish(ev model.Event) {
	c.sinks.publish(ev, func(name string) {
		c.droppedEvents.Add(1)
		c.metrics.SinkDropped.WithLabelValues(name).Inc()
	})
}

// DroppedEvents 因订阅者缓冲满被丢弃的事件数
func (c *Collector) DroppedEvents() int64 {
	return c.droppedEvents.Load()
}

// Close 停止订阅者，等待缓冲中的事件处理完毕或 ctx 结束
func (c *Collector) Close(ctx context.Context) error {
	for _, sub := range c.sinks.close() {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Collector) normalize(r model.TimeRange) model.TimeRange {
	if r.From.IsZero() {
		r.From = c.startedAt
	}
	if r.To.IsZero() {
		r.To = c.now().Add(time.Nanosecond)
	}
	return r
}

func rate(ok, failed int64) float64 {
	if ok+failed == 0 {
		return 1
	}
	return float64(ok) / float64(ok+failed)
}
