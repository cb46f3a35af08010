package main

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"

	"snippet-notify/apps/notify-service/consumer"
	"snippet-notify/apps/notify-service/dao"
	"snippet-notify/apps/notify-service/handler"
	"snippet-notify/apps/notify-service/internal/sink"
	"snippet-notify/apps/notify-service/model"
	"snippet-notify/apps/notify-service/service"
	"snippet-notify/pkg/kafka"
	"snippet-notify/pkg/lifecycle"
	"snippet-notify/pkg/logger"
	"snippet-notify/pkg/server"
)

const serviceName = "notify-service"

func main() {
	// WebSocket 握手自行校验 token，不经过 HTTP 认证中间件
	app, err := server.NewApplication(serviceName, "/ws", "/ws/*")
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	cfg := app.GetConfig()
	notifyLog := app.GetLogger()
	ctx := context.Background()

	transport := handler.NewWSTransport(cfg.Notify.Connection.SendTimeout, cfg.Notify.Connection.OutboundBuffer, notifyLog)
	svc, err := service.NewService(service.Options{
		Config:    cfg.Notify,
		Transport: transport,
		Prober:    transport,
		NodeID:    cfg.App.NodeID,
	}, notifyLog)
	if err != nil {
		notifyLog.Fatal(ctx, "Failed to create notify service", logger.F("error", err))
	}
	svc.AddConnectionListener(transport)

	stores, deadLetters := wireStores(ctx, app, svc, notifyLog)

	httpHandler := handler.NewHTTPHandler(svc, stores, notifyLog)
	wsHandler := handler.NewWSHandler(svc, transport, cfg.App.JWTSecret,
		int64(cfg.Notify.Connection.MaxPayloadSize), cfg.Notify.Connection.ConnectTimeout, notifyLog)

	app.EnableHTTP()
	app.RegisterHTTPRoutes(func(r *gin.Engine) {
		httpHandler.RegisterRoutes(r)
		wsHandler.RegisterRoutes(r)
	})

	// gRPC 目前只承载标准健康检查
	grpcServer := app.EnableGRPC()
	grpcServer.SetServing(serviceName, false)

	app.AddHook(lifecycle.Hook{
		Name:     "notify-core",
		Priority: 100,
		OnStart: func(ctx context.Context) error {
			if err := svc.Start(ctx); err != nil {
				return err
			}
			grpcServer.SetServing(serviceName, true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			grpcServer.SetServing(serviceName, false)
			err := svc.Stop(ctx)
			if deadLetters != nil {
				if cerr := deadLetters.Close(ctx); cerr != nil && err == nil {
					err = cerr
				}
			}
			return err
		},
	})

	if cfg.Kafka.Enabled {
		inbound := consumer.NewNotificationConsumer(svc, notifyLog)
		app.AddHook(lifecycle.Hook{
			Name:     "notification-consumer",
			Priority: 300,
			OnStart: func(ctx context.Context) error {
				return inbound.Start(ctx, kafka.KafkaConfig{
					Brokers: cfg.Kafka.Brokers,
					GroupID: cfg.Kafka.GroupID,
					Topics:  []string{cfg.Kafka.InboundTopic},
				})
			},
			OnStop: func(context.Context) error {
				return inbound.Close()
			},
		})
	}

	notifyLog.Info(ctx, "Starting notify service",
		logger.F("httpAddr", cfg.Server.HTTP.Addr),
		logger.F("grpcAddr", cfg.Server.GRPC.Addr),
		logger.F("nodeID", cfg.App.NodeID))

	if err := app.Run(); err != nil {
		notifyLog.Fatal(ctx, "Notify service exited with error", logger.F("error", err))
	}
	notifyLog.Info(ctx, "Notify service stopped")
}

// wireStores 按已启用的基础设施挂载事件订阅者与存储
func wireStores(ctx context.Context, app *server.Application, svc *service.Service, log logger.Logger) (handler.Stores, *sink.DeadLetterWriter) {
	cfg := app.GetConfig()
	stores := handler.Stores{Checks: make(map[string]handler.HealthChecker)}

	if producer := app.GetKafkaProducer(); producer != nil {
		svc.Subscribe(sink.WithBreaker(sink.NewKafkaSink(producer, cfg.Kafka.EventTopic), sink.DefaultBreakerOptions, log))
	}

	if mongoDB := app.GetMongoDB(); mongoDB != nil {
		for collection, indexes := range dao.EventIndexes(cfg.Database.MongoDB.Retention) {
			if err := mongoDB.EnsureIndexes(ctx, collection, indexes); err != nil {
				log.Warn(ctx, "Audit indexes not created", logger.F("collection", collection), logger.F("error", err))
			}
		}
		stores.Events = dao.NewEventDAO(mongoDB.GetDatabase())
		stores.Checks["mongodb"] = mongoDB
		svc.Subscribe(sink.WithBreaker(sink.NewAuditSink(stores.Events), sink.DefaultBreakerOptions, log))
	}

	if redisClient := app.GetRedisClient(); redisClient != nil {
		stores.Presence = dao.NewPresenceDAO(redisClient)
		stores.Checks["redis"] = redisClient
		svc.Subscribe(sink.WithBreaker(sink.NewPresenceSink(stores.Presence), sink.DefaultBreakerOptions, log))
	}

	var deadLetters *sink.DeadLetterWriter
	if pg := app.GetPostgreSQL(); pg != nil {
		if err := pg.AutoMigrate(&model.DeadLetter{}); err != nil {
			log.Fatal(ctx, "Failed to migrate dead letter table", logger.F("error", err))
		}
		stores.DeadLetters = dao.NewDeadLetterDAO(pg)
		stores.Checks["postgresql"] = pg
		deadLetters = sink.NewDeadLetterWriter(stores.DeadLetters, cfg.Notify.Events.SinkBuffer, log)
		svc.SetDeadLetter(deadLetters)
	}

	return stores, deadLetters
}
