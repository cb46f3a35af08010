package dao

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/redis"
)

const (
	onlineUsersKey    = "notify:online_users"
	userConnKeyPrefix = "notify:user_conns:"
	// presenceTTL 实例异常退出时兜底清理
	presenceTTL = 24 * time.Hour
)

type presenceDAO struct {
	redis *redis.RedisClient
}

// NewPresenceDAO 创建在线状态DAO实例
func NewPresenceDAO(r *redis.RedisClient) PresenceDAO {
	return &presenceDAO{redis: r}
}

func userConnKey(userID string) string {
	return userConnKeyPrefix + userID
}

// presenceEntry 每个连接在哈希表中的值
type presenceEntry struct {
	ConnectedAt time.Time                `json:"connected_at"`
	Metadata    model.ConnectionMetadata `json:"metadata"`
}

// SetOnline 记录连接上线
func (d *presenceDAO) SetOnline(ctx context.Context, ev *model.ConnectionEvent) error {
	value, err := json.Marshal(presenceEntry{ConnectedAt: ev.OccurredAt, Metadata: ev.Metadata})
	if err != nil {
		return err
	}
	key := userConnKey(ev.UserID)
	return d.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, ev.ConnectionID, value)
		pipe.Expire(ctx, key, presenceTTL)
		pipe.SAdd(ctx, onlineUsersKey, ev.UserID)
		return nil
	})
}

// offlineScript 删除连接；用户没有剩余连接时移出在线集合
var offlineScript = goredis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// SetOffline 记录连接下线，用户最后一个连接下线时移出在线集合
func (d *presenceDAO) SetOffline(ctx context.Context, ev *model.ConnectionEvent) error {
	_, err := d.redis.RunScript(ctx, offlineScript,
		[]string{userConnKey(ev.UserID), onlineUsersKey},
		ev.ConnectionID, ev.UserID)
	return err
}

// IsOnline 用户是否在任一实例在线
func (d *presenceDAO) IsOnline(ctx context.Context, userID string) (bool, error) {
	return d.redis.SIsMember(ctx, onlineUsersKey, userID)
}

// OnlineUsers 所有在线用户
func (d *presenceDAO) OnlineUsers(ctx context.Context) ([]string, error) {
	return d.redis.SMembers(ctx, onlineUsersKey)
}

// Connections 用户的连接，connectionID -> 连接信息JSON
func (d *presenceDAO) Connections(ctx context.Context, userID string) (map[string]string, error) {
	return d.redis.HGetAll(ctx, userConnKey(userID))
}
