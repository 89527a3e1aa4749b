package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"goim-gateway/apps/gateway-service/dao"
	"goim-gateway/apps/gateway-service/handler"
	"goim-gateway/apps/gateway-service/service"
	"goim-gateway/pkg/config"
	"goim-gateway/pkg/kafka"
	"goim-gateway/pkg/lifecycle"
	"goim-gateway/pkg/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 创建应用程序
	app, err := server.NewApplication("gateway-service")
	if err != nil {
		return err
	}
	cfg := app.GetConfig()
	log := app.GetLogger()
	ctx := context.Background()

	// 启用HTTP（含 websocket）和gRPC服务器
	wsServer := app.EnableWebSocket()
	grpcServer := app.EnableGRPC()

	pg, err := app.GetPostgreSQL(ctx)
	if err != nil {
		return err
	}

	journal := dao.NopSessionJournal
	if mongo, err := app.GetMongoDB(ctx); err != nil {
		return err
	} else if mongo != nil {
		if journal, err = dao.NewSessionJournal(ctx, mongo); err != nil {
			return err
		}
	}

	backend, err := presenceBackend(ctx, app)
	if err != nil {
		return err
	}

	deps := service.Dependencies{
		Store:    dao.NewGatewayDAO(pg),
		Verifier: app.GetVerifier(),
		Backend:  backend,
		Journal:  journal,
		Metrics:  app.GetMetrics(),
		Logger:   log,
		Tracer:   app.GetTracerProvider().GetTracer(),
	}
	producer, err := app.GetKafkaProducer()
	if err != nil {
		return err
	}
	if producer != nil {
		deps.Publisher = service.NewKafkaEventPublisher(producer, cfg.Kafka.PresenceTopic)
	}

	// 初始化Service层
	opts := gatewayOptions(cfg)
	svc := service.NewService(deps, opts)

	// 注册路由
	handler.NewWSHandler(svc, log).RegisterRoutes(wsServer, cfg.Gateway.Path)
	app.RegisterHTTPRoutes(func(engine *gin.Engine) {
		handler.NewHTTPHandler(svc, log).RegisterRoutes(engine, app.GetAuthMiddleware().GinAuth())
	})

	app.AddHook(lifecycle.Hook{
		Name:     "gateway",
		Priority: 100,
		OnStart:  svc.Start,
		OnStop:   svc.Shutdown,
	})

	if cfg.Kafka.Enabled {
		consumer, err := kafka.InitConsumer(kafka.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  []string{cfg.Kafka.DispatchTopic},
		}, service.NewDispatchConsumer(svc.Fanout(), log), log)
		if err != nil {
			return err
		}
		app.AddHook(lifecycle.Hook{
			Name:     "dispatch-consumer",
			Priority: 150,
			OnStart:  consumer.StartConsuming,
			OnStop:   func(context.Context) error { return consumer.Close() },
		})
	}

	app.AddHook(lifecycle.Hook{
		Name:     "grpc-health",
		Priority: 190,
		OnStart: func(context.Context) error {
			grpcServer.SetServingStatus(cfg.App.Name, true)
			return nil
		},
		OnStop: func(context.Context) error {
			grpcServer.SetServingStatus(cfg.App.Name, false)
			return nil
		},
	})

	app.GetKratosLogger().Log(kratoslog.LevelInfo,
		"msg", "Gateway configured",
		"instance_id", opts.InstanceID,
		"presence_backend", cfg.Gateway.PresenceBackend,
		"kafka", cfg.Kafka.Enabled,
	)

	// 运行应用程序
	return app.Run()
}

// presenceBackend 按配置选择在线状态广播后端
func presenceBackend(ctx context.Context, app *server.Application) (service.PresenceBackend, error) {
	cfg := app.GetConfig()
	switch cfg.Gateway.PresenceBackend {
	case "redis":
		client, err := app.GetRedisClient(ctx)
		if err != nil {
			return nil, err
		}
		return service.NewRedisPresenceBackend(client, "", app.GetLogger()), nil
	case "nats":
		client, err := app.GetNATSClient()
		if err != nil {
			return nil, err
		}
		return service.NewNATSPresenceBackend(client, cfg.NATS.Subject, app.GetLogger()), nil
	default:
		return service.NewMemoryPresenceBackend(), nil
	}
}

// gatewayOptions 配置映射为网关参数，实例ID缺省时随机生成
func gatewayOptions(cfg *config.Config) service.Options {
	opts := service.DefaultOptions()
	opts.InstanceID = cfg.Gateway.InstanceID
	if opts.InstanceID == "" {
		opts.InstanceID = "gateway-" + uuid.NewString()[:8]
	}
	opts.HeartbeatInterval = cfg.Gateway.HeartbeatInterval
	opts.HandshakeTimeout = cfg.Gateway.HandshakeTimeout
	opts.WriteTimeout = cfg.Gateway.WriteTimeout
	opts.StoreTimeout = cfg.Gateway.StoreTimeout
	opts.SendBuffer = cfg.Gateway.SendBuffer
	opts.InboundBuffer = cfg.Gateway.InboundBuffer
	opts.MaxMessageSize = cfg.Gateway.MaxMessageSize
	return opts
}
