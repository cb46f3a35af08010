package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoConnectTimeout    = 10 * time.Second
	mongoDisconnectTimeout = 5 * time.Second
)

// MongoOptions MongoDB连接参数
type MongoOptions struct {
	URI         string
	DBName      string
	MaxPoolSize uint64 // 0 使用驱动默认值
	AppName     string
}

// MongoDB 审计库连接
type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoDB 连接并探活，失败时释放客户端
func NewMongoDB(ctx context.Context, opts MongoOptions) (*MongoDB, error) {
	if opts.DBName == "" {
		return nil, fmt.Errorf("mongodb database name is empty")
	}

	clientOpts := options.Client().ApplyURI(opts.URI)
	if opts.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(opts.MaxPoolSize)
	}
	if opts.AppName != "" {
		clientOpts.SetAppName(opts.AppName)
	}

	connectCtx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb %s: %w", opts.DBName, err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb %s: %w", opts.DBName, err)
	}

	return &MongoDB{client: client, db: client.Database(opts.DBName)}, nil
}

// GetDatabase 获取数据库
func (m *MongoDB) GetDatabase() *mongo.Database {
	return m.db
}

// EnsureIndexes 在集合上创建索引，已存在的同名索引会被驱动忽略
func (m *MongoDB) EnsureIndexes(ctx context.Context, collection string, models []mongo.IndexModel) error {
	if len(models) == 0 {
		return nil
	}
	if _, err := m.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("create indexes on %s.%s: %w", m.db.Name(), collection, err)
	}
	return nil
}

// Health 健康检查
func (m *MongoDB) Health(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close 断开连接
func (m *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}
