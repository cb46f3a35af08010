package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options 连接参数
type Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int // 0 使用驱动默认值
}

const pingTimeout = 5 * time.Second

// RedisClient Redis客户端
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient 创建Redis客户端并检查连通性
func NewRedisClient(ctx context.Context, opts Options) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", opts.Addr, err)
	}

	return &RedisClient{client: client}, nil
}

// RunScript 原子执行 Lua 脚本，优先 EVALSHA
func (r *RedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, r.client, keys, args...).Result()
}

// SMembers 获取集合成员
func (r *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// SIsMember 检查是否为集合成员
func (r *RedisClient) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

// HGetAll 获取哈希表所有字段
func (r *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

// TxPipelined 在 MULTI/EXEC 中执行一组命令
func (r *RedisClient) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	_, err := r.client.TxPipelined(ctx, fn)
	return err
}

// Health 健康检查
func (r *RedisClient) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭连接
func (r *RedisClient) Close() error {
	return r.client.Close()
}
