package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"goim-gateway/pkg/auth"
	"goim-gateway/pkg/config"
	"goim-gateway/pkg/database"
	"goim-gateway/pkg/kafka"
	"goim-gateway/pkg/lifecycle"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/metrics"
	"goim-gateway/pkg/middleware"
	"goim-gateway/pkg/natsx"
	"goim-gateway/pkg/redis"
	"goim-gateway/pkg/telemetry"
)

// Application 应用程序框架
//
// 基础设施按需创建，第一次获取时连接并注册关闭钩子。
type Application struct {
	serviceName   string
	config        *config.Config
	logger        kratoslog.Logger
	zapLogger     logger.Logger
	serverManager *ServerManager
	lifecycle     *lifecycle.LifecycleManager
	telemetry     *telemetry.Provider
	metrics       *metrics.GatewayMetrics
	verifier      *auth.Verifier

	httpServer *HTTPServerWrapper
	grpcServer *GRPCServerWrapper
	wsServer   *WebSocketServerWrapper

	// 中间件；authMiddleware 校验服务令牌，终端用户令牌只用于 websocket IDENTIFY
	authMiddleware    *middleware.AuthMiddleware
	loggingMiddleware *middleware.LoggingMiddleware
	otelMiddleware    *middleware.OTelMiddleware

	// 基础设施组件
	mu            sync.Mutex
	postgreSQL    *database.PostgreSQL
	mongoDB       *database.MongoDB
	redisClient   *redis.RedisClient
	kafkaProducer *kafka.Producer
	natsClient    *natsx.Client
	readiness     []readinessCheck
}

// readinessCheck 已连接依赖的探活
type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// NewApplication 创建应用程序
func NewApplication(serviceName string) (*Application, error) {
	cfg, err := config.LoadConfig(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(zapLogger)
	kratosLogger := kratoslog.With(logger.NewKratosLogger(zapLogger),
		"service.name", cfg.App.Name,
		"service.version", cfg.App.Version,
	)

	app := &Application{
		serviceName:   serviceName,
		config:        cfg,
		logger:        kratosLogger,
		zapLogger:     zapLogger,
		serverManager: NewServerManager(kratosLogger),
		lifecycle:     lifecycle.NewLifecycleManager(kratosLogger),
		metrics:       metrics.NewGatewayMetrics(),
		verifier:      auth.NewVerifier(&auth.JWTConfig{Secret: cfg.App.JWTSecret}),
	}

	if cfg.Telemetry.Enabled {
		app.telemetry, err = telemetry.NewProvider(&telemetry.Config{
			ServiceName:    cfg.App.Name,
			ServiceVersion: cfg.App.Version,
			Environment:    cfg.Telemetry.Environment,
			ExporterType:   cfg.Telemetry.Exporter,
			SampleRate:     cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	serviceVerifier := auth.NewVerifier(&auth.JWTConfig{Secret: cfg.App.ServiceSecret})
	app.authMiddleware = middleware.NewAuthMiddleware(kratosLogger, serviceVerifier)
	app.loggingMiddleware = middleware.NewLoggingMiddleware(kratosLogger)
	app.otelMiddleware = middleware.NewOTelMiddleware(cfg.App.Name)

	return app, nil
}

// EnableHTTP 启用HTTP服务器，挂载 /health 与 /metrics
func (app *Application) EnableHTTP() *HTTPServerWrapper {
	if app.httpServer != nil {
		return app.httpServer
	}

	engine := NewGinEngine(
		middleware.Recovery(app.zapLogger),
		app.otelMiddleware.GinMiddleware(),
		app.loggingMiddleware.GinLogging(),
		app.otelMiddleware.GinAttributes(),
	)
	engine.GET("/metrics", gin.WrapH(app.metrics.Handler()))
	engine.GET("/ready", app.handleReady)

	app.httpServer = NewHTTPServerWrapper(app.config, engine, app.logger)
	app.serverManager.Add(app.httpServer)
	return app.httpServer
}

// EnableWebSocket 在HTTP服务器上启用 websocket 升级
func (app *Application) EnableWebSocket() *WebSocketServerWrapper {
	if app.wsServer == nil {
		app.wsServer = NewWebSocketServerWrapper(app.EnableHTTP().GetEngine(), app.logger)
	}
	return app.wsServer
}

// EnableGRPC 启用gRPC服务器，带恢复、链路、日志、认证拦截器
func (app *Application) EnableGRPC() *GRPCServerWrapper {
	if app.grpcServer != nil {
		return app.grpcServer
	}

	app.grpcServer = NewGRPCServerWrapper(app.config, app.logger,
		grpc.ChainUnaryInterceptor(
			middleware.GRPCRecovery(app.zapLogger),
			app.otelMiddleware.GRPCUnaryServerInterceptor(),
			app.loggingMiddleware.GRPCLogging(),
			app.authMiddleware.GRPCAuth(),
		),
		grpc.ChainStreamInterceptor(
			middleware.GRPCStreamRecovery(app.zapLogger),
			app.otelMiddleware.GRPCStreamServerInterceptor(),
			app.loggingMiddleware.GRPCStreamLogging(),
			app.authMiddleware.GRPCStreamAuth(),
		),
	)
	app.serverManager.Add(app.grpcServer)
	return app.grpcServer
}

// RegisterHTTPRoutes 注册HTTP路由
func (app *Application) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) {
	app.EnableHTTP().RegisterRoutes(registerFunc)
}

// RegisterGRPCService 注册gRPC服务
func (app *Application) RegisterGRPCService(registerFunc func(*grpc.Server)) {
	app.EnableGRPC().RegisterService(registerFunc)
}

// AddHook 注册业务生命周期钩子
func (app *Application) AddHook(hook lifecycle.Hook) {
	app.lifecycle.AddHook(hook)
}

// GetPostgreSQL 获取PostgreSQL连接
func (app *Application) GetPostgreSQL(ctx context.Context) (*database.PostgreSQL, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.postgreSQL != nil {
		return app.postgreSQL, nil
	}

	pg := app.config.Database.PostgreSQL
	db, err := database.NewPostgreSQL(ctx, pg.DSN, pg.DBName, database.DefaultPoolConfig)
	if err != nil {
		return nil, err
	}
	app.postgreSQL = db
	app.metrics.RegisterDBStats(db.SQLDB(), db.GetDBName())
	app.readiness = append(app.readiness, readinessCheck{"postgresql", db.Health})
	app.closeOnStop("postgresql", func(context.Context) error { return db.Close() })
	return db, nil
}

// GetMongoDB 获取MongoDB连接，未启用时返回 nil
func (app *Application) GetMongoDB(ctx context.Context) (*database.MongoDB, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.mongoDB != nil || !app.config.Database.MongoDB.Enabled {
		return app.mongoDB, nil
	}

	mc := app.config.Database.MongoDB
	db, err := database.NewMongoDB(ctx, mc.URI, mc.DBName)
	if err != nil {
		return nil, err
	}
	app.mongoDB = db
	app.readiness = append(app.readiness, readinessCheck{"mongodb", db.Health})
	app.closeOnStop("mongodb", db.Close)
	return db, nil
}

// GetRedisClient 获取Redis客户端
func (app *Application) GetRedisClient(ctx context.Context) (*redis.RedisClient, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.redisClient != nil {
		return app.redisClient, nil
	}

	rc := app.config.Redis
	client := redis.NewRedisClient(redis.Config{
		Addr:        rc.Addr,
		Password:    rc.Password,
		DB:          rc.DB,
		PoolSize:    rc.PoolSize,
		DialTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	app.redisClient = client
	app.readiness = append(app.readiness, readinessCheck{"redis", client.Ping})
	app.closeOnStop("redis", func(context.Context) error { return client.Close() })
	return client, nil
}

// GetKafkaProducer 获取Kafka生产者，未启用时返回 nil
func (app *Application) GetKafkaProducer() (*kafka.Producer, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.kafkaProducer != nil || !app.config.Kafka.Enabled {
		return app.kafkaProducer, nil
	}

	producer, err := kafka.InitProducer(app.config.Kafka.Brokers, app.zapLogger)
	if err != nil {
		return nil, err
	}
	app.kafkaProducer = producer
	app.closeOnStop("kafka-producer", func(context.Context) error { return producer.Close() })
	return producer, nil
}

// GetNATSClient 获取NATS客户端
func (app *Application) GetNATSClient() (*natsx.Client, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.natsClient != nil {
		return app.natsClient, nil
	}

	client, err := natsx.NewClient(natsx.Config{
		URL:           app.config.NATS.URL,
		Name:          app.config.App.Name,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	app.natsClient = client
	app.readiness = append(app.readiness, readinessCheck{"nats", client.Health})
	return client, nil
}

// handleReady 逐个探测已连接的依赖，任一失败返回 503
func (app *Application) handleReady(c *gin.Context) {
	app.mu.Lock()
	checks := append([]readinessCheck{}, app.readiness...)
	app.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for _, rc := range checks {
		if err := rc.check(ctx); err != nil {
			failed[rc.name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// closeOnStop 基础设施最后关闭
func (app *Application) closeOnStop(name string, fn func(context.Context) error) {
	app.lifecycle.AddHook(lifecycle.Hook{
		Name:     name,
		Priority: 10,
		OnStop:   fn,
	})
}

// GetLogger 获取业务日志器
func (app *Application) GetLogger() logger.Logger {
	return app.zapLogger
}

// GetKratosLogger 获取Kratos日志器
func (app *Application) GetKratosLogger() kratoslog.Logger {
	return app.logger
}

// GetConfig 获取配置
func (app *Application) GetConfig() *config.Config {
	return app.config
}

// GetMetrics 获取指标集合
func (app *Application) GetMetrics() *metrics.GatewayMetrics {
	return app.metrics
}

// GetVerifier 获取令牌校验器
func (app *Application) GetVerifier() *auth.Verifier {
	return app.verifier
}

// GetAuthMiddleware 获取服务间认证中间件（app.service_secret），websocket 路由不挂载
func (app *Application) GetAuthMiddleware() *middleware.AuthMiddleware {
	return app.authMiddleware
}

// GetTracerProvider 获取链路追踪，未启用时为 nil
func (app *Application) GetTracerProvider() *telemetry.Provider {
	return app.telemetry
}

// Run 运行应用程序，阻塞到收到停止信号或服务器出错
func (app *Application) Run() error {
	app.registerLifecycleHooks()

	if err := app.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle: %w", err)
	}

	return app.lifecycle.Wait(app.serverManager.Errors())
}

// registerLifecycleHooks 注册生命周期钩子
func (app *Application) registerLifecycleHooks() {
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

	if app.telemetry != nil {
		app.lifecycle.AddHook(lifecycle.Hook{
			Name:     "telemetry",
			Priority: 0,
			OnStop:   app.telemetry.Shutdown,
		})
	}
}
