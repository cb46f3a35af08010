package logger

import (
	"context"
	"log"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 日志接口
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Fatal(ctx context.Context, msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value interface{}
}

// F 构造日志字段
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Options 日志配置
type Options struct {
	Level  string // debug/info/warn/error
	Format string // json/console
}

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	userIDKey    ctxKey = "user_id"
	serviceKey   ctxKey = "service_name"
)

// ContextWithRequestID 将请求ID写入上下文
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithUserID 将用户ID写入上下文
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// ContextWithService 将服务名写入上下文
func ContextWithService(ctx context.Context, service string) context.Context {
	return context.WithValue(ctx, serviceKey, service)
}

// logger zap实现
type logger struct {
	zapLogger *zap.Logger
}

// NewLogger 创建日志实例
func NewLogger(opts Options) (Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	if opts.Format == "console" {
		config = zap.NewDevelopmentConfig()
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}

	return &logger{zapLogger: zapLogger}, nil
}

// NewZapLogger 包装已有的zap实例
func NewZapLogger(z *zap.Logger) Logger {
	return &logger{zapLogger: z}
}

// NewNopLogger 不输出任何内容的日志实例，用于测试
func NewNopLogger() Logger {
	return &logger{zapLogger: zap.NewNop()}
}

func (l *logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields...)
}

func (l *logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields...)
}

func (l *logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields...)
}

func (l *logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields...)
}

func (l *logger) Fatal(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.FatalLevel, msg, fields...)
}

// With 返回附带固定字段的日志实例
func (l *logger) With(fields ...Field) Logger {
	return &logger{zapLogger: l.zapLogger.With(toZap(fields)...)}
}

// WithContext 带上下文的日志
func (l *logger) WithContext(ctx context.Context) Logger {
	return &logger{zapLogger: l.zapLogger.With(extractFields(ctx)...)}
}

func (l *logger) log(ctx context.Context, level zapcore.Level, msg string, fields ...Field) {
	ce := l.zapLogger.Check(level, msg)
	if ce == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields)+2)
	if requestID := stringValue(ctx, requestIDKey); requestID != "" {
		zapFields = append(zapFields, zap.String("request_id", requestID))
	}
	if traceID := TraceID(ctx); traceID != "" {
		zapFields = append(zapFields, zap.String("trace_id", traceID))
	}
	zapFields = append(zapFields, toZap(fields)...)
	ce.Write(zapFields...)
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

// extractFields 从上下文提取字段
func extractFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if userID := stringValue(ctx, userIDKey); userID != "" {
		fields = append(fields, zap.String("user_id", userID))
	}
	if service := stringValue(ctx, serviceKey); service != "" {
		fields = append(fields, zap.String("service", service))
	}
	return fields
}

// TraceID 返回当前 span 的 trace id，没有有效 span 时为空
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

func stringValue(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// 默认日志实例
var defaultLogger Logger

// Init 初始化默认日志
func Init(opts Options) error {
	var err error
	defaultLogger, err = NewLogger(opts)
	return err
}

// GetLogger 获取默认日志实例
func GetLogger() Logger {
	if defaultLogger == nil {
		log.Println("Warning: logger not initialized, falling back to development logger")
		z, err := zap.NewDevelopment()
		if err != nil {
			return NewNopLogger()
		}
		return NewZapLogger(z)
	}
	return defaultLogger
}
