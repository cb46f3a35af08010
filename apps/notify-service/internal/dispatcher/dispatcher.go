package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"snippet-notify/apps/notify-service/internal/registry"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// Transport 传输层发送原语
type Transport interface {
	Send(ctx context.Context, connectionID string, frame model.Frame) error
}

// Enqueuer 重试队列入队接口
type Enqueuer interface {
	Enqueue(env *model.Envelope) model.QueueResult
}

// Recorder 消息事件记录者
type Recorder interface {
	RecordMessageEvent(ev model.MessageEvent)
}

// Config 派发器配置
type Config struct {
	SendTimeout time.Duration // 单个连接的发送超时
	Concurrency int           // 扇出并发上限
	Now         func() time.Time
}

// Dispatcher 投递派发器：解析目标连接后在不持有任何注册表锁的情况下并行发送
type Dispatcher struct {
	conns     *registry.ConnectionRegistry
	groups    *registry.GroupRegistry
	transport Transport
	queue     Enqueuer
	recorder  Recorder

	sendTimeout time.Duration
	concurrency int
	now         func() time.Time
	tracer      trace.Tracer
	logger      logger.Logger
}

// NewDispatcher 创建派发器
func NewDispatcher(cfg Config, conns *registry.ConnectionRegistry, groups *registry.GroupRegistry,
	transport Transport, queue Enqueuer, recorder Recorder, log logger.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		conns:       conns,
		groups:      groups,
		transport:   transport,
		queue:       queue,
		recorder:    recorder,
		sendTimeout: cfg.SendTimeout,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		tracer:      otel.Tracer("notify-service/dispatcher"),
		logger:      log,
	}
}

// SendToUser 发送给单个用户的全部连接；用户离线时返回 NoActiveConnection，不进入重试
func (d *Dispatcher) SendToUser(ctx context.Context, userID string, env *model.Envelope) *model.SendResult {
	env.Target = model.Target{Kind: model.TargetUser, UserID: userID}
	ctx, span := d.startSpan(ctx, "SendToUser", env)
	defer span.End()

	if res, ok := d.schedule(env); ok {
		return res
	}
	d.received(env)

	targets := d.conns.ListByUser(userID)
	if len(targets) == 0 {
		d.reject(env, userID, model.ErrKindNoActiveConnection)
		return &model.SendResult{MessageID: env.ID, Error: model.ErrKindNoActiveConnection}
	}
	res := d.fanout(ctx, env, targets)
	finishSpan(span, res)
	return res
}

// SendToUsers 分别发送给多个用户，单个用户失败不影响其他用户
func (d *Dispatcher) SendToUsers(ctx context.Context, userIDs []string, env *model.Envelope) *model.BroadcastResult {
	env.Target = model.Target{Kind: model.TargetUsers, UserIDs: userIDs}
	ctx, span := d.startSpan(ctx, "SendToUsers", env)
	defer span.End()

	if res, ok := d.schedule(env); ok {
		return scheduledBroadcast(res, userIDs)
	}
	d.received(env)

	byUser := make(map[string][]model.ConnectionInfo, len(userIDs))
	order := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, seen := byUser[userID]; seen {
			continue
		}
		byUser[userID] = d.conns.ListByUser(userID)
		order = append(order, userID)
	}
	return d.broadcast(ctx, env, order, byUser)
}

// Broadcast 发送给全部在线连接，排除指定用户
func (d *Dispatcher) Broadcast(ctx context.Context, env *model.Envelope, excludeUserIDs []string) *model.BroadcastResult {
	env.Target = model.Target{Kind: model.TargetAll, Exclude: excludeUserIDs}
	ctx, span := d.startSpan(ctx, "Broadcast", env)
	defer span.End()

	if res, ok := d.schedule(env); ok {
		return scheduledBroadcast(res, nil)
	}
	d.received(env)

	order, byUser := groupByUser(d.resolveAll(excludeUserIDs))
	return d.broadcast(ctx, env, order, byUser)
}

// SendToGroup 发送给群组内的全部连接
func (d *Dispatcher) SendToGroup(ctx context.Context, group string, env *model.Envelope) *model.SendResult {
	env.Target = model.Target{Kind: model.TargetGroup, Group: group}
	ctx, span := d.startSpan(ctx, "SendToGroup", env)
	defer span.End()

	if res, ok := d.schedule(env); ok {
		return res
	}
	d.received(env)

	members, err := d.groups.Members(group)
	if err != nil {
		kind := model.KindOf(err)
		d.reject(env, "", kind)
		return &model.SendResult{MessageID: env.ID, Error: kind}
	}
	d.groups.RecordMessage(group)
	if len(members) == 0 {
		d.reject(env, "", model.ErrKindNoActiveConnection)
		return &model.SendResult{MessageID: env.ID, Error: model.ErrKindNoActiveConnection}
	}
	res := d.fanout(ctx, env, members)
	finishSpan(span, res)
	return res
}

// SendToGroups 发送给多个群组，通过多个群组命中的同一连接只发送一次
func (d *Dispatcher) SendToGroups(ctx context.Context, groups []string, env *model.Envelope) *model.BroadcastResult {
	env.Target = model.Target{Kind: model.TargetGroups, Groups: groups}
	ctx, span := d.startSpan(ctx, "SendToGroups", env)
	defer span.End()

	if res, ok := d.schedule(env); ok {
		return scheduledBroadcast(res, nil)
	}
	d.received(env)

	targets := d.resolveGroups(groups)
	for _, group := range groups {
		d.groups.RecordMessage(group)
	}
	order, byUser := groupByUser(targets)
	return d.broadcast(ctx, env, order, byUser)
}

// Dispatch 按信封自带目标派发
func (d *Dispatcher) Dispatch(ctx context.Context, env *model.Envelope) (*model.SendResult, *model.BroadcastResult) {
	switch env.Target.Kind {
	case model.TargetUser:
		return d.SendToUser(ctx, env.Target.UserID, env), nil
	case model.TargetUsers:
		return nil, d.SendToUsers(ctx, env.Target.UserIDs, env)
	case model.TargetGroup:
		return d.SendToGroup(ctx, env.Target.Group, env), nil
	case model.TargetGroups:
		return nil, d.SendToGroups(ctx, env.Target.Groups, env)
	default:
		return nil, d.Broadcast(ctx, env, env.Target.Exclude)
	}
}

// Redeliver 重试队列使用的重投：绑定连接时只发该连接，否则重新解析目标并跳过已送达的连接
func (d *Dispatcher) Redeliver(ctx context.Context, env *model.Envelope) error {
	ctx, span := d.startSpan(ctx, "Redeliver", env)
	defer span.End()

	var targets []model.ConnectionInfo
	if env.ConnectionID != "" {
		info, ok := d.conns.Get(env.ConnectionID)
		if !ok {
			return fmt.Errorf("connection %s gone: %w", env.ConnectionID, model.ErrSendRejected)
		}
		targets = []model.ConnectionInfo{info}
	} else {
		resolved := d.resolve(env.Target)
		if len(resolved) == 0 {
			return model.ErrNoActiveConnection
		}
		for _, info := range resolved {
			if !env.Delivered(info.ConnectionID) {
				targets = append(targets, info)
			}
		}
		if len(targets) == 0 {
			return nil
		}
	}

	results := d.send(ctx, env, targets)
	var firstErr error
	for _, r := range results {
		if r.Delivered {
			env.MarkDelivered(r.ConnectionID)
			continue
		}
		if firstErr == nil {
			firstErr = errorFor(r.Error)
		}
	}
	if firstErr != nil {
		span.SetStatus(codes.Error, firstErr.Error())
	}
	return firstErr
}

// fanout 发送并处理失败：Normal 及以上优先级按连接放入重试队列，Low 直接丢弃
func (d *Dispatcher) fanout(ctx context.Context, env *model.Envelope, targets []model.ConnectionInfo) *model.SendResult {
	results := d.send(ctx, env, targets)
	res := &model.SendResult{
		MessageID:       env.ID,
		ConnectionCount: len(targets),
		Connections:     results,
	}

	var firstErr model.ErrorKind
	for i := range results {
		r := &results[i]
		if r.Delivered {
			env.MarkDelivered(r.ConnectionID)
			res.DeliveredCount++
			d.recordDelivery(env, *r)
			continue
		}
		res.FailedCount++
		if d.retry(ctx, env, r) {
			res.Queued = true
			continue
		}
		if firstErr == model.ErrKindNone {
			firstErr = r.Error
		}
	}

	res.Success = res.ConnectionCount > 0 && firstErr == model.ErrKindNone
	if !res.Success {
		res.Error = firstErr
	}
	switch {
	case res.ConnectionCount > 0 && res.DeliveredCount == res.ConnectionCount:
		_ = env.TransitionTo(model.StatusSent)
	case !res.Success && !res.Queued:
		env.LastError = res.Error
		_ = env.TransitionTo(model.StatusFailed)
	}
	return res
}

// retry 失败连接的重试副本入队，返回是否已入队
func (d *Dispatcher) retry(ctx context.Context, env *model.Envelope, r *model.ConnectionResult) bool {
	if env.Priority < model.PriorityNormal || d.queue == nil {
		d.recordFailure(env, *r, model.MsgEventDropped)
		d.logger.Info(ctx, "Dropped low priority message after send failure",
			logger.F("messageID", env.ID),
			logger.F("connectionID", r.ConnectionID),
			logger.F("error", r.Error))
		return false
	}

	copyEnv := env.Clone()
	copyEnv.ConnectionID = r.ConnectionID
	copyEnv.UserID = r.UserID
	copyEnv.Status = model.StatusPending
	copyEnv.LastError = r.Error

	qr := d.queue.Enqueue(copyEnv)
	if !qr.Success {
		r.Error = qr.Error
		d.logger.Warn(ctx, "Failed to enqueue retry",
			logger.F("messageID", env.ID),
			logger.F("connectionID", r.ConnectionID),
			logger.F("error", qr.Error))
		return false
	}
	r.Queued = true
	return true
}

// broadcast 对按用户分组的连接统一扇出，再按用户汇总结果
func (d *Dispatcher) broadcast(ctx context.Context, env *model.Envelope, order []string, byUser map[string][]model.ConnectionInfo) *model.BroadcastResult {
	out := &model.BroadcastResult{
		MessageID:      env.ID,
		TargetCount:    len(order),
		PerUserResults: make(map[string]*model.SendResult, len(order)),
	}

	var all []model.ConnectionInfo
	for _, userID := range order {
		all = append(all, byUser[userID]...)
	}
	combined := d.fanout(ctx, env, all)

	perConn := make(map[string]model.ConnectionResult, len(combined.Connections))
	for _, r := range combined.Connections {
		perConn[r.ConnectionID] = r
	}

	for _, userID := range order {
		conns := byUser[userID]
		res := &model.SendResult{MessageID: env.ID, ConnectionCount: len(conns)}
		if len(conns) == 0 {
			res.Error = model.ErrKindNoActiveConnection
			d.reject(env, userID, model.ErrKindNoActiveConnection)
		}
		var firstErr model.ErrorKind
		for _, info := range conns {
			r := perConn[info.ConnectionID]
			res.Connections = append(res.Connections, r)
			switch {
			case r.Delivered:
				res.DeliveredCount++
			case r.Queued:
				res.FailedCount++
				res.Queued = true
			default:
				res.FailedCount++
				if firstErr == model.ErrKindNone {
					firstErr = r.Error
				}
			}
		}
		if len(conns) > 0 {
			res.Success = firstErr == model.ErrKindNone
			res.Error = firstErr
		}
		if res.Success {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
		out.PerUserResults[userID] = res
	}
	return out
}

// send 在有界并发下向每个目标发送，错误按目标独立记录
func (d *Dispatcher) send(ctx context.Context, env *model.Envelope, targets []model.ConnectionInfo) []model.ConnectionResult {
	results := make([]model.ConnectionResult, len(targets))
	frame := model.FrameOf(env)

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, info := range targets {
		g.Go(func() error {
			start := d.now()
			sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			err := d.transport.Send(sendCtx, info.ConnectionID, frame)
			cancel()

			r := model.ConnectionResult{
				ConnectionID: info.ConnectionID,
				UserID:       info.UserID,
				Latency:      d.now().Sub(start),
			}
			if err == nil {
				r.Delivered = true
				d.conns.Touch(info.ConnectionID)
			} else {
				r.Error = classify(err)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// schedule 延迟发送的信封直接进入队列
func (d *Dispatcher) schedule(env *model.Envelope) (*model.SendResult, bool) {
	if env.ScheduledAt.IsZero() || !env.ScheduledAt.After(d.now()) {
		return nil, false
	}
	res := &model.SendResult{MessageID: env.ID}
	if d.queue == nil {
		res.Error = model.ErrKindQueueFull
		return res, true
	}
	qr := d.queue.Enqueue(env)
	res.Success = qr.Success
	res.Queued = qr.Success
	res.Error = qr.Error
	return res, true
}

func (d *Dispatcher) resolve(t model.Target) []model.ConnectionInfo {
	switch t.Kind {
	case model.TargetUser:
		return d.conns.ListByUser(t.UserID)
	case model.TargetUsers:
		var out []model.ConnectionInfo
		for _, userID := range dedupe(t.UserIDs) {
			out = append(out, d.conns.ListByUser(userID)...)
		}
		return out
	case model.TargetGroup:
		members, _ := d.groups.Members(t.Group)
		return members
	case model.TargetGroups:
		return d.resolveGroups(t.Groups)
	default:
		return d.resolveAll(t.Exclude)
	}
}

func (d *Dispatcher) resolveAll(exclude []string) []model.ConnectionInfo {
	skip := make(map[string]struct{}, len(exclude))
	for _, userID := range exclude {
		skip[userID] = struct{}{}
	}
	all := d.conns.Snapshot()
	out := all[:0]
	for _, info := range all {
		if _, ok := skip[info.UserID]; !ok {
			out = append(out, info)
		}
	}
	return out
}

func (d *Dispatcher) resolveGroups(groups []string) []model.ConnectionInfo {
	seen := make(map[string]struct{})
	var out []model.ConnectionInfo
	for _, group := range groups {
		members, err := d.groups.Members(group)
		if err != nil {
			continue
		}
		for _, info := range members {
			if _, ok := seen[info.ConnectionID]; ok {
				continue
			}
			seen[info.ConnectionID] = struct{}{}
			out = append(out, info)
		}
	}
	return out
}

func (d *Dispatcher) received(env *model.Envelope) {
	d.record(model.MessageEvent{Type: model.MsgEventReceived}, env)
}

func (d *Dispatcher) reject(env *model.Envelope, userID string, kind model.ErrorKind) {
	d.record(model.MessageEvent{Type: model.MsgEventRejected, UserID: userID, Error: kind}, env)
}

func (d *Dispatcher) recordDelivery(env *model.Envelope, r model.ConnectionResult) {
	d.record(model.MessageEvent{
		Type:         model.MsgEventSent,
		ConnectionID: r.ConnectionID,
		UserID:       r.UserID,
		Latency:      r.Latency,
	}, env)
}

func (d *Dispatcher) recordFailure(env *model.Envelope, r model.ConnectionResult, typ model.MessageEventType) {
	d.record(model.MessageEvent{
		Type:         typ,
		ConnectionID: r.ConnectionID,
		UserID:       r.UserID,
		Error:        r.Error,
		Latency:      r.Latency,
	}, env)
}

func (d *Dispatcher) record(ev model.MessageEvent, env *model.Envelope) {
	if d.recorder == nil {
		return
	}
	ev.MessageID = env.ID
	ev.MessageType = env.Type
	ev.Priority = env.Priority
	ev.RetryCount = env.RetryCount
	ev.OccurredAt = d.now()
	d.recorder.RecordMessageEvent(ev)
}

func (d *Dispatcher) startSpan(ctx context.Context, name string, env *model.Envelope) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "dispatcher."+name, trace.WithAttributes(
		attribute.String("message.id", env.ID),
		attribute.String("message.type", env.Type.String()),
		attribute.String("message.priority", env.Priority.String()),
		attribute.Int("message.retry_count", env.RetryCount),
	))
}

func finishSpan(span trace.Span, res *model.SendResult) {
	span.SetAttributes(
		attribute.Int("send.connections", res.ConnectionCount),
		attribute.Int("send.delivered", res.DeliveredCount),
		attribute.Int("send.failed", res.FailedCount),
	)
	if !res.Success {
		span.SetStatus(codes.Error, string(res.Error))
	}
}

// classify 传输错误归类：超时为 SendTimeout，其余为 SendRejected
func classify(err error) model.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrSendTimeout) {
		return model.ErrKindSendTimeout
	}
	return model.ErrKindSendRejected
}

func errorFor(kind model.ErrorKind) error {
	if kind == model.ErrKindSendTimeout {
		return model.ErrSendTimeout
	}
	return model.ErrSendRejected
}

func groupByUser(conns []model.ConnectionInfo) ([]string, map[string][]model.ConnectionInfo) {
	byUser := make(map[string][]model.ConnectionInfo)
	var order []string
	for _, info := range conns {
		if _, ok := byUser[info.UserID]; !ok {
			order = append(order, info.UserID)
		}
		byUser[info.UserID] = append(byUser[info.UserID], info)
	}
	return order, byUser
}

func scheduledBroadcast(res *model.SendResult, userIDs []string) *model.BroadcastResult {
	out := &model.BroadcastResult{MessageID: res.MessageID, TargetCount: len(userIDs)}
	if out.TargetCount == 0 {
		out.TargetCount = 1
	}
	if res.Success {
		out.SuccessCount = out.TargetCount
	} else {
		out.FailedCount = out.TargetCount
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
