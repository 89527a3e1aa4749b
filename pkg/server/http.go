package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"goim-gateway/pkg/config"
)

// NewGinEngine 创建Gin引擎，中间件由调用方按顺序传入
func NewGinEngine(middlewares ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middlewares...)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	return r
}

// parseDuration 解析时间字符串
func parseDuration(s string, defaultDuration time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultDuration
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HTTPServerWrapper Gin HTTP服务器包装器
type HTTPServerWrapper struct {
	engine  *gin.Engine
	server  *http.Server
	network string
	logger  kratoslog.Logger
}

// NewHTTPServerWrapper 创建HTTP服务器包装器
//
// 只限制请求头读取时间；websocket 升级后的连接由网关自己管理读写超时。
func NewHTTPServerWrapper(c *config.Config, engine *gin.Engine, logger kratoslog.Logger) *HTTPServerWrapper {
	server := &http.Server{
		Addr:              c.Server.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: parseDuration(c.Server.HTTP.Timeout, 30*time.Second),
	}

	network := c.Server.HTTP.Network
	if network == "" {
		network = "tcp"
	}

	return &HTTPServerWrapper{
		engine:  engine,
		server:  server,
		network: network,
		logger:  logger,
	}
}

// GetEngine 获取Gin引擎
func (w *HTTPServerWrapper) GetEngine() *gin.Engine {
	return w.engine
}

// RegisterRoutes 注册路由
func (w *HTTPServerWrapper) RegisterRoutes(registerFunc func(*gin.Engine)) {
	registerFunc(w.engine)
}

// Start 启动服务器，阻塞到服务器关闭
func (w *HTTPServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen(w.network, w.server.Addr)
	if err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server starting", "addr", lis.Addr().String())
	if err := w.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止服务器
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	return w.server.Shutdown(ctx)
}
