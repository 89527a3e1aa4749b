package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config OpenTelemetry配置
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	ExporterType   string  // "stdout", "none"
	SampleRate     float64 // 采样率 0.0-1.0
}

// DefaultConfig 返回默认配置
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		ExporterType:   "stdout",
		SampleRate:     1.0,
	}
}

// Provider OpenTelemetry提供者
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	config         *Config
}

// NewProvider 创建OpenTelemetry提供者并注册为全局 TracerProvider
func NewProvider(config *Config) (*Provider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	}
	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer(config.ServiceName),
		config:         config,
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1.0 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// createExporter 创建导出器，"none" 只保留采样不导出
func createExporter(config *Config) (sdktrace.SpanExporter, error) {
	switch config.ExporterType {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported exporter %q", config.ExporterType)
	}
}

// GetTracer 获取Tracer，未初始化的 Provider 返回 noop
func (p *Provider) GetTracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return p.tracer
}

// Shutdown 关闭Provider，刷出未导出的 span
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// StartSpan 开始一个新的span
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.GetTracer().Start(ctx, name, opts...)
}
