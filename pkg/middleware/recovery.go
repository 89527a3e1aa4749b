package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"goim-gateway/pkg/logger"
)

// Recovery 错误恢复中间件
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error(c.Request.Context(), "Panic recovered",
					logger.F("error", err),
					logger.F("method", c.Request.Method),
					logger.F("path", c.Request.URL.Path))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"message": "internal server error",
				})
			}
		}()

		c.Next()
	}
}

// GRPCRecovery gRPC恢复拦截器
func GRPCRecovery(log logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(ctx, "gRPC request panic recovered",
					logger.F("method", info.FullMethod),
					logger.F("panic", r))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// GRPCStreamRecovery gRPC流恢复拦截器
func GRPCStreamRecovery(log logger.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error(ss.Context(), "gRPC stream panic recovered",
					logger.F("method", info.FullMethod),
					logger.F("panic", r))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(srv, ss)
	}
}
