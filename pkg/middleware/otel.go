package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
}

// NewOTelMiddleware 创建OpenTelemetry中间件
func NewOTelMiddleware(serviceName string) *OTelMiddleware {
	return &OTelMiddleware{serviceName: serviceName}
}

// GinMiddleware 官方 otelgin 中间件
func (m *OTelMiddleware) GinMiddleware() gin.HandlerFunc {
	return otelgin.Middleware(m.serviceName)
}

// GinAttributes 在认证之后执行，把业务属性写到当前 span
func (m *OTelMiddleware) GinAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := trace.SpanFromContext(c.Request.Context())
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("http.route", c.FullPath()),
				attribute.String("http.client_ip", c.ClientIP()),
			)
			if requestID := c.Writer.Header().Get(RequestIDHeader); requestID != "" {
				span.SetAttributes(attribute.String("request.id", requestID))
			}
			if userID := c.GetString(ContextUserIDKey); userID != "" {
				span.SetAttributes(attribute.String("user.id", userID))
			}
		}
		c.Next()
	}
}

// GRPCUnaryServerInterceptor 返回gRPC一元服务器拦截器
func (m *OTelMiddleware) GRPCUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		m.annotate(ctx, info.FullMethod)
		return handler(ctx, req)
	}
}

// GRPCStreamServerInterceptor 返回gRPC流服务器拦截器
func (m *OTelMiddleware) GRPCStreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		m.annotate(ss.Context(), info.FullMethod)
		return handler(srv, ss)
	}
}

func (m *OTelMiddleware) annotate(ctx context.Context, method string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.service", m.serviceName),
		)
	}
}
