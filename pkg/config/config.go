package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Log       LogConfig       `mapstructure:"log"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Version   string `mapstructure:"version"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Mode      string `mapstructure:"mode"`    // gin 运行模式
	NodeID    int64  `mapstructure:"node_id"` // 事件ID节点号，多实例部署时需唯一
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP      ListenConfig    `mapstructure:"http"`
	GRPC      ListenConfig    `mapstructure:"grpc"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig HTTP接口限流配置，rps 为0时不限流
type RateLimitConfig struct {
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MaxClients int     `mapstructure:"max_clients"`
}

// ListenConfig 监听配置
type ListenConfig struct {
	Network string        `mapstructure:"network"`
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
}

// MongoDBConfig MongoDB配置
type MongoDBConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URI         string        `mapstructure:"uri"`
	DBName      string        `mapstructure:"db_name"`
	MaxPoolSize uint64        `mapstructure:"max_pool_size"`
	Retention   time.Duration `mapstructure:"retention"` // 审计事件保留时长，0 表示永久
}

// PostgreSQLConfig PostgreSQL配置
type PostgreSQLConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	DSN           string        `mapstructure:"dsn"`
	DBName        string        `mapstructure:"db_name"` // 不存在时自动创建
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	GroupID      string   `mapstructure:"group_id"`
	EventTopic   string   `mapstructure:"event_topic"`   // 事件发布topic
	InboundTopic string   `mapstructure:"inbound_topic"` // 通知请求topic
}

// TelemetryConfig 链路追踪配置
type TelemetryConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Exporter   string  `mapstructure:"exporter"` // stdout/discard
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NotifyConfig 实时投递核心配置
type NotifyConfig struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
}

// ConnectionConfig 连接配置
type ConnectionConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"` // 握手超时
	SendTimeout    time.Duration `mapstructure:"send_timeout"`    // 单次发送超时
	Shards         int           `mapstructure:"shards"`          // 注册表分片数
	OutboundBuffer int           `mapstructure:"outbound_buffer"` // 每个连接的发送缓冲
	MaxPayloadSize int           `mapstructure:"max_payload_size"`
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// QueueConfig 重试队列配置
type QueueConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	BatchSize       int           `mapstructure:"batch_size"`
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
	Factor  float64       `mapstructure:"factor"`
	Jitter  float64       `mapstructure:"jitter"`
}

// EventsConfig 事件日志配置
type EventsConfig struct {
	LogCapacity     int `mapstructure:"log_capacity"`      // 内存事件环形缓冲容量
	SinkBuffer      int `mapstructure:"sink_buffer"`       // 每个订阅者的缓冲
	StatusCacheSize int `mapstructure:"status_cache_size"` // 消息状态缓存条目数
}

// FanoutConfig 扇出配置
type FanoutConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// LoadConfig 加载配置：默认值 < config.yaml < 环境变量（点号替换为下划线，如 NOTIFY_HEARTBEAT_TIMEOUT）
func LoadConfig(serviceName string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../..")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, serviceName)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Println("Config file not found, using default values")
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, serviceName string) {
	v.SetDefault("app.name", serviceName)
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.jwt_secret", "snippet-notify")
	v.SetDefault("app.mode", "release")
	v.SetDefault("app.node_id", 1)

	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":21020")
	v.SetDefault("server.http.timeout", "30s")
	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":22020")
	v.SetDefault("server.grpc.timeout", "30s")

	v.SetDefault("database.mongodb.enabled", false)
	v.SetDefault("database.mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("database.mongodb.db_name", "notifyDB")
	v.SetDefault("database.mongodb.max_pool_size", 50)
	v.SetDefault("database.mongodb.retention", "720h")
	v.SetDefault("database.postgresql.enabled", false)
	v.SetDefault("database.postgresql.db_name", "notifyDB")
	v.SetDefault("database.postgresql.max_open_conns", 20)
	v.SetDefault("database.postgresql.slow_threshold", "200ms")
	v.SetDefault("database.postgresql.dsn", "host=localhost user=postgres password=postgres dbname=notifyDB port=5432 sslmode=disable TimeZone=UTC")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", serviceName+"-group")
	v.SetDefault("kafka.event_topic", "notify-events")
	v.SetDefault("kafka.inbound_topic", "notification-events")

	v.SetDefault("server.rate_limit.rps", 0)
	v.SetDefault("server.rate_limit.burst", 20)
	v.SetDefault("server.rate_limit.max_clients", 10000)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "discard")
	v.SetDefault("telemetry.sample_rate", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("notify.connection.connect_timeout", "10s")
	v.SetDefault("notify.connection.send_timeout", "5s")
	v.SetDefault("notify.connection.shards", 32)
	v.SetDefault("notify.connection.outbound_buffer", 64)
	v.SetDefault("notify.connection.max_payload_size", 64*1024)
	v.SetDefault("notify.heartbeat.interval", "30s")
	v.SetDefault("notify.heartbeat.timeout", "90s")
	v.SetDefault("notify.queue.capacity", 10000)
	v.SetDefault("notify.queue.batch_size", 100)
	v.SetDefault("notify.queue.process_interval", "1s")
	v.SetDefault("notify.queue.max_retries", 3)
	v.SetDefault("notify.queue.backoff.initial", "1s")
	v.SetDefault("notify.queue.backoff.max", "1m")
	v.SetDefault("notify.queue.backoff.factor", 2.0)
	v.SetDefault("notify.queue.backoff.jitter", 0.1)
	v.SetDefault("notify.events.log_capacity", 10000)
	v.SetDefault("notify.events.sink_buffer", 1024)
	v.SetDefault("notify.events.status_cache_size", 10000)
	v.SetDefault("notify.fanout.concurrency", 64)
}

// Validate 校验配置，所有超时都必须为正数
func (c *Config) Validate() error {
	n := c.Notify
	checks := []struct {
		name  string
		value time.Duration
	}{
		{"notify.connection.connect_timeout", n.Connection.ConnectTimeout},
		{"notify.connection.send_timeout", n.Connection.SendTimeout},
		{"notify.heartbeat.interval", n.Heartbeat.Interval},
		{"notify.heartbeat.timeout", n.Heartbeat.Timeout},
		{"notify.queue.process_interval", n.Queue.ProcessInterval},
	}
	for _, chk := range checks {
		if chk.value <= 0 {
			return fmt.Errorf("config %s must be positive, got %v", chk.name, chk.value)
		}
	}
	if n.Heartbeat.Timeout < n.Heartbeat.Interval {
		return fmt.Errorf("config notify.heartbeat.timeout (%v) must not be shorter than interval (%v)", n.Heartbeat.Timeout, n.Heartbeat.Interval)
	}
	if n.Queue.Capacity <= 0 || n.Queue.BatchSize <= 0 {
		return fmt.Errorf("config notify.queue capacity and batch_size must be positive")
	}
	if n.Queue.MaxRetries < 0 {
		return fmt.Errorf("config notify.queue.max_retries must not be negative")
	}
	return nil
}
