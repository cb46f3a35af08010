package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"snippet-notify/pkg/config"
	"snippet-notify/pkg/database"
	"snippet-notify/pkg/kafka"
	"snippet-notify/pkg/lifecycle"
	"snippet-notify/pkg/logger"
	"snippet-notify/pkg/middleware"
	"snippet-notify/pkg/redis"
	"snippet-notify/pkg/telemetry"
)

// infraConnectTimeout 基础设施初始化超时
const infraConnectTimeout = 15 * time.Second

// Application 应用程序框架
type Application struct {
	serviceName    string
	config         *config.Config
	logger         kratoslog.Logger
	helper         *kratoslog.Helper
	originalLogger logger.Logger
	serverManager  *ServerManager
	lifecycle      *lifecycle.LifecycleManager
	tracing        *telemetry.Provider

	// 基础设施组件，未启用时为 nil
	mongoDB       *database.MongoDB
	postgreSQL    *database.PostgreSQL
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer

	// 中间件
	otelMiddleware    *middleware.OTelMiddleware
	authMiddleware    *middleware.AuthMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	rateLimiter       *middleware.RateLimiter

	// 注册函数
	httpRouteRegister   func(*gin.Engine)
	grpcServiceRegister func(*grpc.Server)
}

// NewApplication 加载配置与日志后创建应用程序，authSkipPaths 为额外的免认证路径
func NewApplication(serviceName string, authSkipPaths ...string) (*Application, error) {
	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return NewApplicationWithConfig(cfg, log, authSkipPaths...)
}

// NewApplicationWithConfig 使用已有的配置和日志创建应用程序
func NewApplicationWithConfig(cfg *config.Config, log logger.Logger, authSkipPaths ...string) (*Application, error) {
	kratosLogger := kratoslog.With(logger.NewKratosLogger(log), "service.name", cfg.App.Name)

	rateLimiter, err := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Server.RateLimit.RPS,
		Burst:             cfg.Server.RateLimit.Burst,
		MaxClients:        cfg.Server.RateLimit.MaxClients,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	app := &Application{
		serviceName:       cfg.App.Name,
		config:            cfg,
		logger:            kratosLogger,
		helper:            logger.NewHelper(log, cfg.App.Name),
		originalLogger:    log,
		serverManager:     NewServerManager(cfg, kratosLogger),
		lifecycle:         lifecycle.NewLifecycleManager(kratosLogger),
		otelMiddleware:    middleware.NewOTelMiddleware(cfg.App.Name),
		authMiddleware:    middleware.NewAuthMiddleware(kratosLogger, cfg.App.JWTSecret, authSkipPaths...),
		loggingMiddleware: middleware.NewLoggingMiddleware(kratosLogger),
		rateLimiter:       rateLimiter,
	}

	if err := app.initTelemetry(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), infraConnectTimeout)
	defer cancel()
	if err := app.initInfrastructure(ctx); err != nil {
		_ = app.closeInfrastructure(context.Background())
		return nil, err
	}

	return app, nil
}

// initTelemetry 初始化链路追踪
func (app *Application) initTelemetry() error {
	if !app.config.Telemetry.Enabled {
		return nil
	}

	tcfg := telemetry.DefaultConfig(app.serviceName)
	if app.config.Telemetry.Exporter == telemetry.ExporterStdout {
		tcfg = telemetry.DevelopmentConfig(app.serviceName)
	}
	tcfg.ServiceVersion = app.config.App.Version
	tcfg.SampleRate = app.config.Telemetry.SampleRate
	tcfg.InstanceID = strconv.FormatInt(app.config.App.NodeID, 10)

	provider, err := telemetry.NewProvider(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.tracing = provider
	return nil
}

// initInfrastructure 按配置初始化基础设施组件
func (app *Application) initInfrastructure(ctx context.Context) error {
	cfg := app.config

	if cfg.Database.MongoDB.Enabled {
		mongoDB, err := database.NewMongoDB(ctx, database.MongoOptions{
			URI:         cfg.Database.MongoDB.URI,
			DBName:      cfg.Database.MongoDB.DBName,
			MaxPoolSize: cfg.Database.MongoDB.MaxPoolSize,
			AppName:     app.serviceName,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		app.mongoDB = mongoDB
		app.helper.Infow("msg", "MongoDB connected", "db", cfg.Database.MongoDB.DBName)
	}

	if cfg.Database.PostgreSQL.Enabled {
		postgreSQL, err := database.NewPostgreSQL(ctx, database.PostgresOptions{
			DSN:           cfg.Database.PostgreSQL.DSN,
			DBName:        cfg.Database.PostgreSQL.DBName,
			MaxOpenConns:  cfg.Database.PostgreSQL.MaxOpenConns,
			SlowThreshold: cfg.Database.PostgreSQL.SlowThreshold,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		app.postgreSQL = postgreSQL
		app.helper.Infow("msg", "PostgreSQL connected", "db", cfg.Database.PostgreSQL.DBName)
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewRedisClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		app.redisClient = redisClient
		app.helper.Infow("msg", "Redis connected", "addr", cfg.Redis.Addr)
	}

	if cfg.Kafka.Enabled {
		kafkaProducer, err := kafka.InitProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("failed to connect to Kafka: %w", err)
		}
		app.kafkaProducer = kafkaProducer
		app.helper.Infow("msg", "Kafka producer connected", "brokers", cfg.Kafka.Brokers)
	}

	return nil
}

// closeInfrastructure 关闭已初始化的基础设施
func (app *Application) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if app.kafkaProducer != nil {
		if err := app.kafkaProducer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka producer: %w", err))
		}
	}
	if app.redisClient != nil {
		if err := app.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if app.postgreSQL != nil {
		if err := app.postgreSQL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgresql: %w", err))
		}
	}
	if app.mongoDB != nil {
		if err := app.mongoDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mongodb: %w", err))
		}
	}
	if app.tracing != nil {
		if err := app.tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// EnableHTTP 启用HTTP服务器并挂载通用中间件
func (app *Application) EnableHTTP() HTTPServer {
	httpServer := app.serverManager.EnableHTTP()

	// 限流和 span 属性依赖认证写入的用户ID，必须放在认证之后
	httpServer.RegisterRoutes(func(engine *gin.Engine) {
		engine.Use(app.otelMiddleware.GinMiddleware())
		engine.Use(app.loggingMiddleware.GinLogging())
		engine.Use(middleware.Recovery(app.originalLogger))
		engine.Use(app.authMiddleware.GinAuth())
		engine.Use(middleware.RateLimit(app.rateLimiter))
		engine.Use(middleware.SpanAttributes())
	})

	return httpServer
}

// EnableGRPC 启用gRPC服务器
func (app *Application) EnableGRPC() GRPCServer {
	return app.serverManager.EnableGRPC()
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.httpRouteRegister = registerFunc
}

// RegisterGRPCService 注册gRPC服务
func (app *Application) RegisterGRPCService(registerFunc func(*grpc.Server)) {
	app.grpcServiceRegister = registerFunc
}

// AddHook 注册业务钩子，优先级分级见 lifecycle.Hook
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// GetMongoDB 获取MongoDB连接
func (app *Application) GetMongoDB() *database.MongoDB {
	return app.mongoDB
}

// GetRedisClient 获取Redis客户端
func (app *Application) GetRedisClient() *redis.RedisClient {
	return app.redisClient
}

// GetKafkaProducer 获取Kafka生产者
func (app *Application) GetKafkaProducer() *kafka.Producer {
	return app.kafkaProducer
}

// GetPostgreSQL 获取PostgreSQL连接
func (app *Application) GetPostgreSQL() *database.PostgreSQL {
	return app.postgreSQL
}

// GetLogger 获取业务日志器
func (app *Application) GetLogger() logger.Logger {
	return app.originalLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// Addr 返回服务器实际监听地址，name 为 "http" 或 "grpc"
func (app *Application) Addr(name string) net.Addr {
	return app.serverManager.Addr(name)
}

// Lifecycle 获取生命周期管理器
func (app *Application) Lifecycle() *lifecycle.LifecycleManager {
	return app.lifecycle
}

// Start 注册内置钩子并启动所有组件
func (app *Application) Start() error {
	app.registerLifecycleHooks()

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}
	app.helper.Infow("msg", "Application started", "version", app.config.App.Version)
	return nil
}

// Run 启动并阻塞，直到收到退出信号或服务器异常退出
func (app *Application) Run() error {
	if err := app.Start(); err != nil {
		return err
	}
	return app.lifecycle.Wait(app.serverManager.Errors())
}

// Stop 主动停止应用程序
func (app *Application) Stop() error {
	return app.lifecycle.Stop()
}

// registerLifecycleHooks 注册内置生命周期钩子
func (app *Application) registerLifecycleHooks() {
	if app.httpRouteRegister != nil {
		if err := app.serverManager.RegisterHTTPRoutes(app.httpRouteRegister); err != nil {
			app.helper.Warnw("msg", "HTTP routes skipped", "error", err)
		}
	}

	if app.grpcServiceRegister != nil {
		if err := app.serverManager.RegisterGRPCService(app.grpcServiceRegister); err != nil {
			app.helper.Warnw("msg", "gRPC services skipped", "error", err)
		}
	}

	// 基础设施最先就绪、最后关闭
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "infrastructure",
		Priority: 0,
		OnStop:   app.closeInfrastructure,
	})

	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     "servers",
		Priority: 200,
		OnStart: func(ctx context.Context) error {
			return app.serverManager.StartAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return app.serverManager.StopAll(ctx)
		},
	})
}
