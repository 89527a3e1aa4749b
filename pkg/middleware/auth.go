package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"goim-gateway/pkg/logger"
)

// ContextUserIDKey gin.Context 中保存已认证用户ID的键
const ContextUserIDKey = "userID"

// TokenVerifier 令牌校验，返回用户ID
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// AuthMiddleware 认证中间件配置
type AuthMiddleware struct {
	logger    kratoslog.Logger
	verifier  TokenVerifier
	skipPaths []string
}

// NewAuthMiddleware 创建认证中间件，skipPaths 为免认证的路径前缀
func NewAuthMiddleware(logger kratoslog.Logger, verifier TokenVerifier, skipPaths ...string) *AuthMiddleware {
	return &AuthMiddleware{
		logger:    logger,
		verifier:  verifier,
		skipPaths: append([]string{"/health", "/metrics"}, skipPaths...),
	}
}

// GinAuth Gin认证中间件
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.shouldSkipAuth(c.Request.URL.Path) {
			c.Next()
			return
		}

		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Missing authorization token", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Missing authorization token"})
			return
		}

		userID, err := am.verifier.VerifyToken(token)
		if err != nil {
			am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid token"})
			return
		}

		c.Set(ContextUserIDKey, userID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

// GRPCAuth gRPC认证拦截器
func (am *AuthMiddleware) GRPCAuth() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if shouldSkipGRPCAuth(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := am.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// GRPCStreamAuth gRPC流认证拦截器
func (am *AuthMiddleware) GRPCStreamAuth() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if shouldSkipGRPCAuth(info.FullMethod) {
			return handler(srv, ss)
		}
		ctx, err := am.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (am *AuthMiddleware) authenticate(ctx context.Context, method string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		am.logger.Log(kratoslog.LevelWarn, "msg", "Missing metadata", "method", method)
		return nil, status.Errorf(codes.Unauthenticated, "Missing metadata")
	}

	tokens := md.Get("authorization")
	if len(tokens) == 0 {
		am.logger.Log(kratoslog.LevelWarn, "msg", "Missing authorization token", "method", method)
		return nil, status.Errorf(codes.Unauthenticated, "Missing authorization token")
	}

	userID, err := am.verifier.VerifyToken(extractToken(tokens[0]))
	if err != nil {
		am.logger.Log(kratoslog.LevelWarn, "msg", "Invalid token", "error", err, "method", method)
		return nil, status.Errorf(codes.Unauthenticated, "Invalid token")
	}
	return logger.WithUserID(ctx, userID), nil
}

// extractToken 支持 "Bearer token" 和直接的 "token" 格式
func extractToken(authHeader string) string {
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

func (am *AuthMiddleware) shouldSkipAuth(path string) bool {
	for _, skipPath := range am.skipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}

func shouldSkipGRPCAuth(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.Health/")
}

// wrappedServerStream 包装的服务器流
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context 返回包装的上下文
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
