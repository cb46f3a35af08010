package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// 导出器类型
const (
	ExporterStdout  = "stdout"
	ExporterDiscard = "discard"
)

// Config 链路追踪配置
type Config struct {
	ServiceName    string
	ServiceVersion string
	InstanceID     string // 多实例部署时区分节点
	Environment    string
	ExporterType   string
	SampleRate     float64 // 0.0-1.0，越界时取边界值
	Writer         io.Writer
}

// DefaultConfig 记录并采样 span，但不输出
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "production",
		ExporterType:   ExporterDiscard,
		SampleRate:     1.0,
	}
}

// DevelopmentConfig span 以 JSON 打印到标准输出
func DevelopmentConfig(serviceName string) *Config {
	cfg := DefaultConfig(serviceName)
	cfg.Environment = "development"
	cfg.ExporterType = ExporterStdout
	cfg.Writer = os.Stdout
	return cfg
}

// Provider 持有 TracerProvider，关闭时刷新未导出的 span
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	serviceName    string
}

// NewProvider 创建 TracerProvider 并注册为全局，同时设置 W3C 传播器。
// 业务代码通过 otel.Tracer 取用，不直接依赖 Provider。
func NewProvider(cfg *Config) (*Provider, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tracerProvider: tp, serviceName: cfg.ServiceName}, nil
}

func resourceAttributes(cfg *Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	return attrs
}

func newExporter(cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterDiscard, "":
		return stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", cfg.ExporterType)
	}
}

// newSampler 采样率按父 span 决策优先，根 span 按比例采样
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer 获取指定组件的 Tracer，name 为空时使用服务名
func (p *Provider) Tracer(name string) trace.Tracer {
	if name == "" {
		name = p.serviceName
	}
	return p.tracerProvider.Tracer(name)
}

// ForceFlush 立即导出缓冲中的 span
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tracerProvider.ForceFlush(ctx)
}

// Shutdown 刷新并关闭
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tracerProvider.Shutdown(ctx)
}
