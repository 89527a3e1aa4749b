package logger

import (
	"context"
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 日志接口
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	WithContext(ctx context.Context) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value interface{}
}

type ctxKey string

// 上下文中携带的日志字段
const (
	requestIDKey    ctxKey = "request_id"
	userIDKey       ctxKey = "user_id"
	connectionIDKey ctxKey = "connection_id"
)

// logger 日志实现
type logger struct {
	zapLogger *zap.Logger
}

// NewLogger 创建日志实例
func NewLogger(level string) (Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &logger{zapLogger: zapLogger}, nil
}

// NewWithZap 包装已有的 zap 日志器（测试中传入 zaptest.NewLogger）
func NewWithZap(zl *zap.Logger) Logger {
	return &logger{zapLogger: zl}
}

// Info 信息日志
func (l *logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields...)
}

// Error 错误日志
func (l *logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields...)
}

// Warn 警告日志
func (l *logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields...)
}

// Debug 调试日志
func (l *logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields...)
}

// WithContext 带上下文的日志
func (l *logger) WithContext(ctx context.Context) Logger {
	return &logger{zapLogger: l.zapLogger.With(l.extractFields(ctx)...)}
}

func (l *logger) log(ctx context.Context, level zapcore.Level, msg string, fields ...Field) {
	ce := l.zapLogger.Check(level, msg)
	if ce == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields)+1)
	if requestID := stringValue(ctx, requestIDKey); requestID != "" {
		zapFields = append(zapFields, zap.String("request_id", requestID))
	}
	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}

	ce.Write(zapFields...)
}

// extractFields 从上下文提取字段
func (l *logger) extractFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)

	if userID := stringValue(ctx, userIDKey); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if connID := stringValue(ctx, connectionIDKey); connID != "" {
		fields = append(fields, zap.String("connection_id", connID))
	}

	return fields
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithRequestID 在上下文中记录请求ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithUserID 在上下文中记录用户ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithConnectionID 在上下文中记录连接ID
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, connectionIDKey, connID)
}

// F 便捷函数
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// 默认日志实例
var defaultLogger Logger

// SetDefault 设置默认日志实例，启动时调用一次
func SetDefault(l Logger) {
	defaultLogger = l
}

// GetLogger 获取默认日志实例
func GetLogger() Logger {
	if defaultLogger == nil {
		log.Println("Warning: Using fallback logger")
		return &fallbackLogger{}
	}
	return defaultLogger
}

// fallbackLogger 备用日志实现
type fallbackLogger struct{}

func (l *fallbackLogger) Info(ctx context.Context, msg string, fields ...Field) {
	log.Printf("[INFO] %s %v", msg, fields)
}

func (l *fallbackLogger) Error(ctx context.Context, msg string, fields ...Field) {
	log.Printf("[ERROR] %s %v", msg, fields)
}

func (l *fallbackLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	log.Printf("[WARN] %s %v", msg, fields)
}

func (l *fallbackLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	log.Printf("[DEBUG] %s %v", msg, fields)
}

func (l *fallbackLogger) WithContext(ctx context.Context) Logger {
	return l
}
