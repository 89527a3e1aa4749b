package server

import (
	"context"
	"net"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"goim-gateway/pkg/config"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	GetServer() *grpc.Server
	RegisterService(registerFunc func(*grpc.Server))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// GRPCServerWrapper gRPC服务器包装器，内置标准健康检查服务
type GRPCServerWrapper struct {
	server  *grpc.Server
	health  *health.Server
	network string
	addr    string
	logger  kratoslog.Logger
}

// NewGRPCServerWrapper 创建gRPC服务器包装器
func NewGRPCServerWrapper(c *config.Config, logger kratoslog.Logger, opts ...grpc.ServerOption) *GRPCServerWrapper {
	server := grpc.NewServer(opts...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	network := c.Server.GRPC.Network
	if network == "" {
		network = "tcp"
	}

	return &GRPCServerWrapper{
		server:  server,
		health:  healthServer,
		network: network,
		addr:    c.Server.GRPC.Addr,
		logger:  logger,
	}
}

// GetServer 获取gRPC服务器
func (w *GRPCServerWrapper) GetServer() *grpc.Server {
	return w.server
}

// RegisterService 注册gRPC服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// SetServingStatus 设置健康检查状态，service 为空表示整个进程
func (w *GRPCServerWrapper) SetServingStatus(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	w.health.SetServingStatus(service, status)
}

// Start 启动服务器
func (w *GRPCServerWrapper) Start(ctx context.Context) error {
	lis, err := net.Listen(w.network, w.addr)
	if err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server starting", "addr", lis.Addr().String())
	w.SetServingStatus("", true)
	return w.server.Serve(lis)
}

// Stop 停止服务器；ctx 到期仍未优雅退出则强制停止
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	w.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		w.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		w.server.Stop()
	}
	return nil
}
