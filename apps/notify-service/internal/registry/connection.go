package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

// Listener 连接生命周期监听者，在注册表变更完成后同步回调
type Listener interface {
	OnConnect(ev model.ConnectionEvent)
	OnDisconnect(ev model.ConnectionEvent)
}

// entry 注册表内部的连接条目，除活跃时间和状态外创建后不再修改
type entry struct {
	id          string
	userID      string
	connectedAt time.Time
	metadata    model.ConnectionMetadata

	lastActivity atomic.Int64 // UnixNano
	state        atomic.Int32
}

func (e *entry) snapshot() model.ConnectionInfo {
	return model.ConnectionInfo{
		ConnectionID:   e.id,
		UserID:         e.userID,
		ConnectedAt:    e.connectedAt,
		LastActivityAt: time.Unix(0, e.lastActivity.Load()),
		State:          model.ConnectionState(e.state.Load()),
		Metadata:       e.metadata,
	}
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*entry // userID -> connID -> entry
}

// ConnectionRegistry 连接注册表
// 连接ID索引使用 sync.Map，用户维度按用户ID分片加锁，没有全局锁
type ConnectionRegistry struct {
	conns  sync.Map // connID -> *entry
	shards []*userShard
	count  atomic.Int64

	listenerMu sync.RWMutex
	listeners  []Listener

	now    func() time.Time
	logger logger.Logger
}

// Option 注册表选项
type Option func(*options)

type options struct {
	shards int
	now    func() time.Time
}

// WithShards 设置分片数
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithClock 注入时钟，便于测试
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{shards: DefaultShards, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewConnectionRegistry 创建连接注册表
func NewConnectionRegistry(log logger.Logger, opts ...Option) *ConnectionRegistry {
	o := buildOptions(opts)
	r := &ConnectionRegistry{
		shards: make([]*userShard, o.shards),
		now:    o.now,
		logger: log,
	}
	for i := range r.shards {
		r.shards[i] = &userShard{users: make(map[string]map[string]*entry)}
	}
	return r
}

// AddListener 添加监听者
func (r *ConnectionRegistry) AddListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *ConnectionRegistry) shard(userID string) *userShard {
	return r.shards[shardIndex(userID, len(r.shards))]
}

// Register 注册连接，连接ID重复时返回 ErrDuplicateConnection
func (r *ConnectionRegistry) Register(userID, connectionID string, metadata model.ConnectionMetadata) (model.ConnectionInfo, error) {
	if userID == "" || connectionID == "" {
		return model.ConnectionInfo{}, model.ErrInvalidArgument
	}

	now := r.now()
	e := &entry{
		id:          connectionID,
		userID:      userID,
		connectedAt: now,
		metadata:    metadata,
	}
	e.lastActivity.Store(now.UnixNano())
	e.state.Store(int32(model.StateConnected))

	s := r.shard(userID)
	s.mu.Lock()
	if _, loaded := r.conns.LoadOrStore(connectionID, e); loaded {
		s.mu.Unlock()
		return model.ConnectionInfo{}, model.ErrDuplicateConnection
	}
	userConns, ok := s.users[userID]
	if !ok {
		userConns = make(map[string]*entry)
		s.users[userID] = userConns
	}
	userConns[connectionID] = e
	s.mu.Unlock()
	r.count.Add(1)

	info := e.snapshot()
	r.notify(func(l Listener) {
		l.OnConnect(model.ConnectionEvent{
			Type:         model.ConnEventConnected,
			ConnectionID: connectionID,
			UserID:       userID,
			Metadata:     metadata,
			OccurredAt:   now,
		})
	})
	return info, nil
}

// Unregister 注销连接；未知连接返回 NotFound=true 而不是错误
func (r *ConnectionRegistry) Unregister(connectionID string, reason model.DisconnectReason) model.DisconnectionResult {
	result, _ := r.remove(connectionID, reason, time.Time{})
	return result
}

// remove 删除连接条目；idleBefore 非零时，只有最后活跃时间仍早于它才删除
func (r *ConnectionRegistry) remove(connectionID string, reason model.DisconnectReason, idleBefore time.Time) (model.DisconnectionResult, bool) {
	now := r.now()
	result := model.DisconnectionResult{
		ConnectionID:   connectionID,
		Reason:         reason,
		DisconnectedAt: now,
	}

	v, ok := r.conns.Load(connectionID)
	if !ok {
		result.NotFound = true
		result.Error = model.ErrKindNotFound
		return result, false
	}
	e := v.(*entry)

	s := r.shard(e.userID)
	s.mu.Lock()
	// 扫描开始后又有活动的连接保留
	if !idleBefore.IsZero() && e.lastActivity.Load() >= idleBefore.UnixNano() {
		s.mu.Unlock()
		return result, false
	}
	// 只有一个调用方能赢得删除，保证每次状态迁移只产生一个事件
	if !r.conns.CompareAndDelete(connectionID, e) {
		s.mu.Unlock()
		result.NotFound = true
		result.Error = model.ErrKindNotFound
		return result, false
	}
	userConns := s.users[e.userID]
	delete(userConns, connectionID)
	if len(userConns) == 0 {
		delete(s.users, e.userID)
	}
	remaining := len(userConns)
	s.mu.Unlock()
	r.count.Add(-1)

	if reason == model.ReasonTimeout {
		e.state.Store(int32(model.StateTimeout))
	} else {
		e.state.Store(int32(model.StateDisconnected))
	}

	result.UserID = e.userID
	result.Duration = now.Sub(e.connectedAt)
	result.RemainingConnections = remaining

	ev := model.ConnectionEvent{
		Type:         eventTypeFor(reason),
		ConnectionID: connectionID,
		UserID:       e.userID,
		Reason:       reason,
		Duration:     result.Duration,
		Metadata:     e.metadata,
		OccurredAt:   now,
	}
	r.notify(func(l Listener) { l.OnDisconnect(ev) })
	return result, true
}

// Expire 心跳超时：将连接置为 Timeout 后注销，产生 timeout 事件
func (r *ConnectionRegistry) Expire(connectionID string) model.DisconnectionResult {
	return r.Unregister(connectionID, model.ReasonTimeout)
}

// ExpireIfIdle 仅当连接自 cutoff 起没有任何活动时按超时注销。
// 扫描依据的快照可能已过时，删除前在分片锁内重新读取最后活跃时间
func (r *ConnectionRegistry) ExpireIfIdle(connectionID string, cutoff time.Time) (model.DisconnectionResult, bool) {
	return r.remove(connectionID, model.ReasonTimeout, cutoff)
}

func eventTypeFor(reason model.DisconnectReason) model.ConnectionEventType {
	switch reason {
	case model.ReasonTimeout:
		return model.ConnEventTimeout
	case model.ReasonForced:
		return model.ConnEventForced
	case model.ReasonTransportError:
		return model.ConnEventTransportError
	default:
		return model.ConnEventDisconnected
	}
}

// Touch 更新最后活跃时间，返回连接是否存在
func (r *ConnectionRegistry) Touch(connectionID string) bool {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return false
	}
	v.(*entry).lastActivity.Store(r.now().UnixNano())
	return true
}

// SetState 更新连接状态（如 Reconnecting），终止类状态请使用 Unregister/Expire
func (r *ConnectionRegistry) SetState(connectionID string, state model.ConnectionState) error {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return model.ErrNotFound
	}
	v.(*entry).state.Store(int32(state))
	return nil
}

// Get 获取连接快照
func (r *ConnectionRegistry) Get(connectionID string) (model.ConnectionInfo, bool) {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return model.ConnectionInfo{}, false
	}
	return v.(*entry).snapshot(), true
}

// Exists 连接是否存在
func (r *ConnectionRegistry) Exists(connectionID string) bool {
	_, ok := r.conns.Load(connectionID)
	return ok
}

// ListByUser 获取用户的全部连接，按连接时间排序
func (r *ConnectionRegistry) ListByUser(userID string) []model.ConnectionInfo {
	s := r.shard(userID)
	s.mu.RLock()
	out := make([]model.ConnectionInfo, 0, len(s.users[userID]))
	for _, e := range s.users[userID] {
		out = append(out, e.snapshot())
	}
	s.mu.RUnlock()
	sortConnections(out)
	return out
}

// IsOnline 用户是否存在处于 Connected 状态的连接
func (r *ConnectionRegistry) IsOnline(userID string) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.users[userID] {
		if model.ConnectionState(e.state.Load()) == model.StateConnected {
			return true
		}
	}
	return false
}

// CountByUser 用户连接数
func (r *ConnectionRegistry) CountByUser(userID string) int {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// ForceDisconnect 强制断开用户全部连接，返回实际断开的数量
func (r *ConnectionRegistry) ForceDisconnect(userID string, reason model.DisconnectReason) int {
	if reason == "" {
		reason = model.ReasonForced
	}
	removed := 0
	for _, info := range r.ListByUser(userID) {
		if res := r.Unregister(info.ConnectionID, reason); !res.NotFound {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info(context.Background(), "Force disconnected user",
			logger.F("userID", userID),
			logger.F("reason", reason),
			logger.F("connections", removed))
	}
	return removed
}

// Snapshot 全部连接快照
func (r *ConnectionRegistry) Snapshot() []model.ConnectionInfo {
	out := make([]model.ConnectionInfo, 0, r.count.Load())
	r.conns.Range(func(_, v any) bool {
		out = append(out, v.(*entry).snapshot())
		return true
	})
	sortConnections(out)
	return out
}

// Count 当前连接数
func (r *ConnectionRegistry) Count() int {
	return int(r.count.Load())
}

// OnlineUsers 当前在线用户数
func (r *ConnectionRegistry) OnlineUsers() int {
	total := 0
	for _, s := range r.shards {
		s.mu.RLock()
		total += len(s.users)
		s.mu.RUnlock()
	}
	return total
}

// UserIDs 当前有连接的全部用户
func (r *ConnectionRegistry) UserIDs() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for userID := range s.users {
			out = append(out, userID)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (r *ConnectionRegistry) notify(fn func(Listener)) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func sortConnections(conns []model.ConnectionInfo) {
	sort.Slice(conns, func(i, j int) bool {
		if conns[i].ConnectedAt.Equal(conns[j].ConnectedAt) {
			return conns[i].ConnectionID < conns[j].ConnectionID
		}
		return conns[i].ConnectedAt.Before(conns[j].ConnectedAt)
	})
}
