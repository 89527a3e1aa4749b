package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"goim-gateway/pkg/logger"
)

const RequestIDHeader = "X-Request-ID"

// LoggingMiddleware 日志中间件
type LoggingMiddleware struct {
	logger kratoslog.Logger
}

// NewLoggingMiddleware 创建日志中间件
func NewLoggingMiddleware(logger kratoslog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// GinLogging 注入请求ID并在请求结束后记录一条日志
//
// websocket 升级请求在连接关闭后才返回，latency 即连接时长。
func (lm *LoggingMiddleware) GinLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		level := kratoslog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = kratoslog.LevelError
		}
		lm.logger.Log(level,
			"msg", "HTTP request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}

// GRPCLogging gRPC日志拦截器
func (lm *LoggingMiddleware) GRPCLogging() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		lm.logRPC("gRPC request completed", info.FullMethod, start, err)
		return resp, err
	}
}

// GRPCStreamLogging gRPC流日志拦截器
func (lm *LoggingMiddleware) GRPCStreamLogging() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		lm.logRPC("gRPC stream completed", info.FullMethod, start, err)
		return err
	}
}

func (lm *LoggingMiddleware) logRPC(msg, method string, start time.Time, err error) {
	st := status.Convert(err)
	if err != nil {
		lm.logger.Log(kratoslog.LevelError,
			"msg", msg,
			"method", method,
			"duration", time.Since(start).String(),
			"code", st.Code().String(),
			"error", err.Error(),
		)
		return
	}
	lm.logger.Log(kratoslog.LevelDebug,
		"msg", msg,
		"method", method,
		"duration", time.Since(start).String(),
		"code", st.Code().String(),
	)
}
