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

type group struct {
	name       string
	members    map[string]string   // connID -> userID
	remembered map[string]struct{} // 新连接自动加入的用户
	createdAt  time.Time

	lastActivity atomic.Int64
	messageCount atomic.Int64
}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]*group
}

// GroupRegistry 群组注册表
// 群组按名称分片加锁；连接->群组、用户->群组两个反向索引独立加锁，不与群组锁同时持有
type GroupRegistry struct {
	conns  *ConnectionRegistry
	shards []*groupShard

	connGroups *setIndex // connID -> groups
	userGroups *setIndex // userID -> remembered groups

	now    func() time.Time
	logger logger.Logger
}

// NewGroupRegistry 创建群组注册表并注册为连接监听者
func NewGroupRegistry(conns *ConnectionRegistry, log logger.Logger, opts ...Option) *GroupRegistry {
	o := buildOptions(opts)
	g := &GroupRegistry{
		conns:      conns,
		shards:     make([]*groupShard, o.shards),
		connGroups: newSetIndex(o.shards),
		userGroups: newSetIndex(o.shards),
		now:        o.now,
		logger:     log,
	}
	for i := range g.shards {
		g.shards[i] = &groupShard{groups: make(map[string]*group)}
	}
	conns.AddListener(g)
	return g
}

func (g *GroupRegistry) shard(name string) *groupShard {
	return g.shards[shardIndex(name, len(g.shards))]
}

// AddToGroup 将连接加入群组
func (g *GroupRegistry) AddToGroup(connectionID, name string) error {
	if name == "" {
		return model.ErrInvalidArgument
	}
	info, ok := g.conns.Get(connectionID)
	if !ok {
		return model.ErrNotFound
	}

	now := g.now()
	s := g.shard(name)
	s.mu.Lock()
	grp := s.groups[name]
	if grp == nil {
		grp = newGroup(name, now)
		s.groups[name] = grp
	}
	grp.members[connectionID] = info.UserID
	grp.lastActivity.Store(now.UnixNano())
	s.mu.Unlock()

	g.connGroups.add(connectionID, name)

	// 与注销并发时，注销方的清理可能已经执行完毕，这里补偿
	if !g.conns.Exists(connectionID) {
		g.connGroups.remove(connectionID, name)
		g.dropMember(name, connectionID)
		return model.ErrNotFound
	}
	return nil
}

// RemoveFromGroup 将连接移出群组
func (g *GroupRegistry) RemoveFromGroup(connectionID, name string) error {
	if !g.dropMember(name, connectionID) {
		return model.ErrNotFound
	}
	g.connGroups.remove(connectionID, name)
	return nil
}

// AddUserToGroup 将用户当前的全部连接加入群组，并记住关联，用户后续的新连接自动加入
func (g *GroupRegistry) AddUserToGroup(userID, name string) (int, error) {
	if userID == "" || name == "" {
		return 0, model.ErrInvalidArgument
	}

	now := g.now()
	s := g.shard(name)
	s.mu.Lock()
	grp := s.groups[name]
	if grp == nil {
		grp = newGroup(name, now)
		s.groups[name] = grp
	}
	grp.remembered[userID] = struct{}{}
	grp.lastActivity.Store(now.UnixNano())
	s.mu.Unlock()

	g.userGroups.add(userID, name)

	joined := 0
	for _, info := range g.conns.ListByUser(userID) {
		if err := g.AddToGroup(info.ConnectionID, name); err == nil {
			joined++
		}
	}
	return joined, nil
}

// RemoveUserFromGroup 移除用户的全部连接并取消自动加入
func (g *GroupRegistry) RemoveUserFromGroup(userID, name string) int {
	s := g.shard(name)
	s.mu.Lock()
	if grp := s.groups[name]; grp != nil {
		delete(grp.remembered, userID)
	}
	s.mu.Unlock()
	g.userGroups.remove(userID, name)

	removed := 0
	for _, info := range g.conns.ListByUser(userID) {
		if err := g.RemoveFromGroup(info.ConnectionID, name); err == nil {
			removed++
		}
	}
	g.dropIfEmpty(name)
	return removed
}

// Members 群组内仍在连接注册表中的成员连接
func (g *GroupRegistry) Members(name string) ([]model.ConnectionInfo, error) {
	s := g.shard(name)
	s.mu.RLock()
	grp := s.groups[name]
	if grp == nil {
		s.mu.RUnlock()
		return nil, model.ErrNotFound
	}
	ids := make([]string, 0, len(grp.members))
	for id := range grp.members {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	out := make([]model.ConnectionInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := g.conns.Get(id); ok {
			out = append(out, info)
		}
	}
	sortConnections(out)
	return out, nil
}

// GroupsOf 用户所在的群组（自动加入关联 + 当前连接所在群组）
func (g *GroupRegistry) GroupsOf(userID string) []string {
	set := make(map[string]struct{})
	for _, name := range g.userGroups.list(userID) {
		set[name] = struct{}{}
	}
	for _, info := range g.conns.ListByUser(userID) {
		for _, name := range g.connGroups.list(info.ConnectionID) {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// GroupsOfConnection 连接所在的群组；已注销但尚未清理的连接返回空
func (g *GroupRegistry) GroupsOfConnection(connectionID string) []string {
	if !g.conns.Exists(connectionID) {
		return nil
	}
	return g.connGroups.list(connectionID)
}

// GroupStats 群组统计
func (g *GroupRegistry) GroupStats(name string) (model.GroupStats, error) {
	s := g.shard(name)
	s.mu.RLock()
	grp := s.groups[name]
	if grp == nil {
		s.mu.RUnlock()
		return model.GroupStats{}, model.ErrNotFound
	}
	members := make(map[string]string, len(grp.members))
	for connID, userID := range grp.members {
		members[connID] = userID
	}
	stats := model.GroupStats{
		Group:          grp.name,
		MessageCount:   grp.messageCount.Load(),
		CreatedAt:      grp.createdAt,
		LastActivityAt: time.Unix(0, grp.lastActivity.Load()),
	}
	s.mu.RUnlock()

	users := make(map[string]struct{})
	for connID, userID := range members {
		if g.conns.Exists(connID) {
			stats.ConnectionCount++
			users[userID] = struct{}{}
		}
	}
	stats.UserCount = len(users)
	return stats, nil
}

// RecordMessage 记录一次群组消息
func (g *GroupRegistry) RecordMessage(name string) {
	s := g.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if grp := s.groups[name]; grp != nil {
		grp.messageCount.Add(1)
		grp.lastActivity.Store(g.now().UnixNano())
	}
}

// Groups 全部群组名称
func (g *GroupRegistry) Groups() []string {
	var out []string
	for _, s := range g.shards {
		s.mu.RLock()
		for name := range s.groups {
			out = append(out, name)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// OnConnect 新连接自动加入用户记住的群组
func (g *GroupRegistry) OnConnect(ev model.ConnectionEvent) {
	for _, name := range g.userGroups.list(ev.UserID) {
		if err := g.AddToGroup(ev.ConnectionID, name); err != nil {
			g.logger.Debug(context.Background(), "Auto join group skipped",
				logger.F("connectionID", ev.ConnectionID),
				logger.F("group", name),
				logger.F("error", err))
		}
	}
}

// OnDisconnect 连接注销时从所有群组中移除
func (g *GroupRegistry) OnDisconnect(ev model.ConnectionEvent) {
	for _, name := range g.connGroups.take(ev.ConnectionID) {
		g.dropMember(name, ev.ConnectionID)
	}
}

func (g *GroupRegistry) dropMember(name, connectionID string) bool {
	s := g.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	grp := s.groups[name]
	if grp == nil {
		return false
	}
	if _, ok := grp.members[connectionID]; !ok {
		return false
	}
	delete(grp.members, connectionID)
	if len(grp.members) == 0 && len(grp.remembered) == 0 {
		delete(s.groups, name)
	}
	return true
}

func (g *GroupRegistry) dropIfEmpty(name string) {
	s := g.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if grp := s.groups[name]; grp != nil && len(grp.members) == 0 && len(grp.remembered) == 0 {
		delete(s.groups, name)
	}
}

func newGroup(name string, now time.Time) *group {
	grp := &group{
		name:       name,
		members:    make(map[string]string),
		remembered: make(map[string]struct{}),
		createdAt:  now,
	}
	grp.lastActivity.Store(now.UnixNano())
	return grp
}
