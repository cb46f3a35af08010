package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/backoff"
	"snippet-notify/pkg/logger"
)

// DeliverFunc 重投函数，由派发器提供
type DeliverFunc func(ctx context.Context, env *model.Envelope) error

// Recorder 消息事件记录者
type Recorder interface {
	RecordMessageEvent(ev model.MessageEvent)
}

// DeadLetterer 接收最终失败或过期的消息副本
type DeadLetterer interface {
	DeadLetter(env *model.Envelope)
}

// Config 队列配置
type Config struct {
	Capacity int
	Backoff  backoff.Policy
	Now      func() time.Time
}

// RetryQueue 带优先级和容量上限的重试队列
// 单锁保护，不与注册表的锁同时持有；重投时不持有锁
type RetryQueue struct {
	mu        sync.Mutex
	items     itemHeap
	byKey     map[string]*item
	byMessage map[string]map[string]*item // messageID -> key -> item，包含处理中的条目
	inFlight  map[string]*item
	seq       uint64

	capacity int
	policy   backoff.Policy
	now      func() time.Time
	deliver    DeliverFunc
	deadLetter DeadLetterer
	recorder   Recorder
	logger     logger.Logger
}

// NewRetryQueue 创建重试队列
func NewRetryQueue(cfg Config, recorder Recorder, log logger.Logger) *RetryQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	return &RetryQueue{
		byKey:     make(map[string]*item),
		byMessage: make(map[string]map[string]*item),
		inFlight:  make(map[string]*item),
		capacity:  cfg.Capacity,
		policy:    cfg.Backoff,
		now:       cfg.Now,
		recorder:  recorder,
		logger:    log,
	}
}

// SetDeliverer 设置重投函数
func (q *RetryQueue) SetDeliverer(fn DeliverFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deliver = fn
}

// SetDeadLetter 设置死信接收者
func (q *RetryQueue) SetDeadLetter(d DeadLetterer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadLetter = d
}

// Enqueue 入队；队列满时返回 QueueFull，Urgent 消息可挤出优先级最低的条目
func (q *RetryQueue) Enqueue(env *model.Envelope) model.QueueResult {
	if env == nil || env.ID == "" {
		return model.QueueResult{Error: model.ErrKindInvalid}
	}
	result := model.QueueResult{MessageID: env.ID}
	if env.Status.IsTerminal() {
		result.Error = model.ErrKindInvalid
		return result
	}

	now := q.now()
	if env.IsExpired(now) {
		_ = env.TransitionTo(model.StatusExpired)
		env.LastError = model.ErrKindExpired
		q.record(model.MsgEventExpired, env, model.ErrKindExpired)
		result.Error = model.ErrKindExpired
		return result
	}

	q.mu.Lock()
	key := itemKey(env)
	if _, exists := q.byKey[key]; exists {
		q.mu.Unlock()
		result.Error = model.ErrKindInvalid
		return result
	}
	if _, exists := q.inFlight[key]; exists {
		q.mu.Unlock()
		result.Error = model.ErrKindInvalid
		return result
	}

	var evicted *item
	if len(q.items) >= q.capacity {
		if env.Priority == model.PriorityUrgent {
			evicted = q.lowestLocked()
		}
		if evicted == nil {
			q.mu.Unlock()
			q.record(model.MsgEventRejected, env, model.ErrKindQueueFull)
			result.Error = model.ErrKindQueueFull
			return result
		}
		q.removeLocked(evicted)
		_ = evicted.env.TransitionTo(model.StatusFailed)
		evicted.env.LastError = model.ErrKindQueueFull
	}

	it := q.pushLocked(env, now)
	result.Success = true
	result.QueuePosition = q.positionLocked(it)
	result.EstimatedSendTime = it.dueAt
	if it.dueAt.Before(now) {
		result.EstimatedSendTime = now
	}
	q.mu.Unlock()

	if evicted != nil {
		result.EvictedID = evicted.env.ID
		q.record(model.MsgEventEvicted, evicted.env, model.ErrKindQueueFull)
		q.logger.Warn(context.Background(), "Retry queue full, evicted lowest priority item",
			logger.F("evictedID", evicted.env.ID),
			logger.F("evictedPriority", evicted.env.Priority.String()),
			logger.F("messageID", env.ID))
	}
	q.record(model.MsgEventQueued, env, env.LastError)
	return result
}

// ProcessBatch 取出最多 batchSize 个可发送的条目（batchSize<=0 表示不限），按优先级依次重投
func (q *RetryQueue) ProcessBatch(ctx context.Context, batchSize int) model.ProcessResult {
	var result model.ProcessResult

	q.mu.Lock()
	deliver := q.deliver
	now := q.now()
	batch, expired := q.takeEligibleLocked(now, batchSize)
	q.mu.Unlock()

	for _, env := range expired {
		result.ExpiredCount++
		q.record(model.MsgEventExpired, env, model.ErrKindExpired)
	}

	if deliver == nil {
		q.mu.Lock()
		for _, it := range batch {
			delete(q.inFlight, it.key)
			_ = it.env.TransitionTo(model.StatusPending)
			q.reinsertLocked(it)
		}
		q.mu.Unlock()
		return result
	}

	for i, it := range batch {
		if ctx.Err() != nil {
			q.mu.Lock()
			for _, rest := range batch[i:] {
				delete(q.inFlight, rest.key)
				_ = rest.env.TransitionTo(model.StatusPending)
				q.reinsertLocked(rest)
			}
			q.mu.Unlock()
			break
		}
		q.attempt(ctx, deliver, it, &result)
	}
	return result
}

func (q *RetryQueue) attempt(ctx context.Context, deliver DeliverFunc, it *item, result *model.ProcessResult) {
	env := it.env

	q.mu.Lock()
	if it.cancelled {
		delete(q.inFlight, it.key)
		q.forgetLocked(it)
		q.mu.Unlock()
		q.cancelled(env, result)
		return
	}
	q.mu.Unlock()

	err := deliver(ctx, env)
	now := q.now()

	q.mu.Lock()
	delete(q.inFlight, it.key)
	result.ProcessedCount++

	if err == nil {
		q.forgetLocked(it)
		q.mu.Unlock()
		_ = env.TransitionTo(model.StatusSent)
		result.SuccessCount++
		q.record(model.MsgEventSent, env, model.ErrKindNone)
		return
	}

	if it.cancelled {
		q.forgetLocked(it)
		q.mu.Unlock()
		q.cancelled(env, result)
		return
	}

	env.LastError = model.KindOf(err)
	if env.RetryCount < env.MaxRetries {
		env.RetryCount++
	}

	switch {
	case env.IsExpired(now):
		q.forgetLocked(it)
		q.mu.Unlock()
		_ = env.TransitionTo(model.StatusExpired)
		env.LastError = model.ErrKindExpired
		result.ExpiredCount++
		q.record(model.MsgEventExpired, env, model.ErrKindExpired)

	case env.RetryCount >= env.MaxRetries:
		q.forgetLocked(it)
		q.mu.Unlock()
		_ = env.TransitionTo(model.StatusFailed)
		result.FailedCount++
		q.record(model.MsgEventFailed, env, model.ErrKindRetryExhausted)
		q.logger.Warn(ctx, "Retries exhausted, message failed",
			logger.F("messageID", env.ID),
			logger.F("connectionID", env.ConnectionID),
			logger.F("retryCount", env.RetryCount),
			logger.F("lastError", err))

	default:
		_ = env.TransitionTo(model.StatusPending)
		env.ScheduledAt = now.Add(q.policy.Compute(env.RetryCount))
		it.dueAt = env.ScheduledAt
		// 重新入队不受容量限制，避免已接收的消息因退避被丢弃
		q.reinsertLocked(it)
		q.mu.Unlock()
		result.RetryCount++
		q.record(model.MsgEventRetried, env, env.LastError)
	}
}

func (q *RetryQueue) cancelled(env *model.Envelope, result *model.ProcessResult) {
	_ = env.TransitionTo(model.StatusCancelled)
	env.LastError = model.ErrKindCancelled
	result.CancelledCount++
	q.record(model.MsgEventCancelled, env, model.ErrKindCancelled)
}

// takeEligibleLocked 弹出已到期的条目；未到期的放回，已过期的移除
func (q *RetryQueue) takeEligibleLocked(now time.Time, limit int) ([]*item, []*model.Envelope) {
	var (
		batch    []*item
		deferred []*item
		expired  []*model.Envelope
	)
	for q.items.Len() > 0 && (limit <= 0 || len(batch) < limit) {
		it := heap.Pop(&q.items).(*item)
		delete(q.byKey, it.key)
		switch {
		case it.env.IsExpired(now):
			q.forgetLocked(it)
			_ = it.env.TransitionTo(model.StatusExpired)
			it.env.LastError = model.ErrKindExpired
			expired = append(expired, it.env)
		case !it.env.IsDue(now) || now.Before(it.dueAt):
			deferred = append(deferred, it)
		default:
			_ = it.env.TransitionTo(model.StatusSending)
			q.inFlight[it.key] = it
			batch = append(batch, it)
		}
	}
	for _, it := range deferred {
		q.reinsertLocked(it)
	}
	return batch, expired
}

// Cancel 取消消息的全部排队副本；处理中的副本尽力取消，可能与成功发送竞争
func (q *RetryQueue) Cancel(messageID string) (int, error) {
	q.mu.Lock()
	items := q.byMessage[messageID]
	if len(items) == 0 {
		q.mu.Unlock()
		return 0, model.ErrNotFound
	}
	var removed []*model.Envelope
	count := 0
	for _, it := range items {
		if it.index >= 0 {
			q.removeLocked(it)
			removed = append(removed, it.env)
		} else {
			it.cancelled = true
		}
		count++
	}
	q.mu.Unlock()

	for _, env := range removed {
		_ = env.TransitionTo(model.StatusCancelled)
		env.LastError = model.ErrKindCancelled
		q.record(model.MsgEventCancelled, env, model.ErrKindCancelled)
	}
	return count, nil
}

// DropForConnection 移除绑定到已断开连接的条目，返回回收数量
func (q *RetryQueue) DropForConnection(connectionID string) int {
	if connectionID == "" {
		return 0
	}
	q.mu.Lock()
	var dropped []*model.Envelope
	for _, it := range append([]*item(nil), q.items...) {
		if it.env.ConnectionID == connectionID {
			q.removeLocked(it)
			dropped = append(dropped, it.env)
		}
	}
	for _, it := range q.inFlight {
		if it.env.ConnectionID == connectionID {
			it.cancelled = true
		}
	}
	q.mu.Unlock()

	for _, env := range dropped {
		_ = env.TransitionTo(model.StatusCancelled)
		env.LastError = model.ErrKindNotFound
		q.record(model.MsgEventCancelled, env, model.ErrKindNotFound)
	}
	return len(dropped)
}

// CleanupExpired 移除 before 时刻之前已过期的条目
func (q *RetryQueue) CleanupExpired(before time.Time) int {
	q.mu.Lock()
	var expired []*model.Envelope
	kept := q.items[:0]
	for _, it := range q.items {
		if it.env.IsExpired(before) {
			delete(q.byKey, it.key)
			q.forgetLocked(it)
			it.index = -1
			expired = append(expired, it.env)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	for i, it := range q.items {
		it.index = i
	}
	heap.Init(&q.items)
	q.mu.Unlock()

	for _, env := range expired {
		_ = env.TransitionTo(model.StatusExpired)
		env.LastError = model.ErrKindExpired
		q.record(model.MsgEventExpired, env, model.ErrKindExpired)
	}
	return len(expired)
}

// Len 排队中的条目数（不含处理中）
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight 处理中的条目数
func (q *RetryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Capacity 队列容量
func (q *RetryQueue) Capacity() int {
	return q.capacity
}

// Pending 排队中条目的副本，按出队顺序
func (q *RetryQueue) Pending() []*model.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := append(itemHeap(nil), q.items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].before(sorted[j]) })
	out := make([]*model.Envelope, 0, len(sorted))
	for _, it := range sorted {
		out = append(out, it.env.Clone())
	}
	return out
}

func (q *RetryQueue) pushLocked(env *model.Envelope, now time.Time) *item {
	q.seq++
	due := env.ScheduledAt
	if due.IsZero() {
		due = now
	}
	it := &item{env: env, key: itemKey(env), dueAt: due, seq: q.seq}
	heap.Push(&q.items, it)
	q.byKey[it.key] = it
	msgItems, ok := q.byMessage[env.ID]
	if !ok {
		msgItems = make(map[string]*item)
		q.byMessage[env.ID] = msgItems
	}
	msgItems[it.key] = it
	return it
}

func (q *RetryQueue) reinsertLocked(it *item) {
	heap.Push(&q.items, it)
	q.byKey[it.key] = it
}

func (q *RetryQueue) removeLocked(it *item) {
	if it.index >= 0 && it.index < len(q.items) && q.items[it.index] == it {
		heap.Remove(&q.items, it.index)
	}
	delete(q.byKey, it.key)
	q.forgetLocked(it)
}

func (q *RetryQueue) forgetLocked(it *item) {
	if msgItems, ok := q.byMessage[it.env.ID]; ok {
		delete(msgItems, it.key)
		if len(msgItems) == 0 {
			delete(q.byMessage, it.env.ID)
		}
	}
}

// lowestLocked 找出优先级最低（同级取最晚到期）且低于 Urgent 的条目
func (q *RetryQueue) lowestLocked() *item {
	var lowest *item
	for _, it := range q.items {
		if it.env.Priority >= model.PriorityUrgent {
			continue
		}
		if lowest == nil || lowest.before(it) {
			lowest = it
		}
	}
	return lowest
}

// positionLocked 出队顺序中的位置（从0开始）
func (q *RetryQueue) positionLocked(target *item) int {
	pos := 0
	for _, it := range q.items {
		if it != target && it.before(target) {
			pos++
		}
	}
	return pos
}

func (q *RetryQueue) record(typ model.MessageEventType, env *model.Envelope, kind model.ErrorKind) {
	switch typ {
	case model.MsgEventFailed, model.MsgEventExpired, model.MsgEventEvicted:
		q.mu.Lock()
		d := q.deadLetter
		q.mu.Unlock()
		if d != nil {
			d.DeadLetter(env.Clone())
		}
	}
	if q.recorder == nil {
		return
	}
	userID := env.UserID
	if userID == "" {
		userID = env.Target.UserID
	}
	q.recorder.RecordMessageEvent(model.MessageEvent{
		Type:         typ,
		MessageID:    env.ID,
		MessageType:  env.Type,
		Priority:     env.Priority,
		ConnectionID: env.ConnectionID,
		UserID:       userID,
		RetryCount:   env.RetryCount,
		Error:        kind,
		OccurredAt:   q.now(),
	})
}

// String 调试输出
func (q *RetryQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("RetryQueue{len=%d, inFlight=%d, capacity=%d}", len(q.items), len(q.inFlight), q.capacity)
}
