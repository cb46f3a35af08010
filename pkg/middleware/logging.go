package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// LoggingMiddleware 请求日志；探活类路径只在 debug 级别输出
type LoggingMiddleware struct {
	logger     kratoslog.Logger
	quietPaths map[string]struct{}
}

// NewLoggingMiddleware 创建日志中间件，quietPaths 默认为探活与指标路径
func NewLoggingMiddleware(logger kratoslog.Logger, quietPaths ...string) *LoggingMiddleware {
	if len(quietPaths) == 0 {
		quietPaths = []string{"/health", "/ready", "/metrics"}
	}
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}
	return &LoggingMiddleware{logger: logger, quietPaths: quiet}
}

// GinLogging Gin日志中间件
// WebSocket 升级后的请求在会话结束时才返回，此时记录的是整个会话时长
func (lm *LoggingMiddleware) GinLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		upgrade := c.GetHeader("Upgrade") == "websocket"

		c.Next()

		status := c.Writer.Status()
		msg := "HTTP request"
		if upgrade && status == http.StatusSwitchingProtocols {
			msg = "WebSocket session ended"
		}

		kv := []interface{}{
			"msg", msg,
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start).String(),
			"clientIP", c.ClientIP(),
			"requestID", c.Writer.Header().Get(RequestIDHeader),
		}
		if userID := c.GetString(ContextUserID); userID != "" {
			kv = append(kv, "userID", userID)
		}
		if errs := c.Errors.ByType(gin.ErrorTypeAny).String(); errs != "" {
			kv = append(kv, "error", errs)
		}
		lm.logger.Log(lm.levelFor(path, status), kv...)
	}
}

func (lm *LoggingMiddleware) levelFor(path string, status int) kratoslog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return kratoslog.LevelError
	case status >= http.StatusBadRequest:
		return kratoslog.LevelWarn
	}
	if _, ok := lm.quietPaths[path]; ok {
		return kratoslog.LevelDebug
	}
	return kratoslog.LevelInfo
}

// GRPCLogging gRPC日志拦截器，健康检查不记录
func (lm *LoggingMiddleware) GRPCLogging() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if info.FullMethod == healthpb.Health_Check_FullMethodName {
			return resp, err
		}

		code := status.Code(err)
		level := kratoslog.LevelDebug
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
			level = kratoslog.LevelError
		default:
			level = kratoslog.LevelWarn
		}

		kv := []interface{}{
			"msg", "gRPC request completed",
			"method", info.FullMethod,
			"duration", time.Since(start).String(),
			"code", code.String(),
		}
		if err != nil {
			kv = append(kv, "error", err.Error())
		}
		lm.logger.Log(level, kv...)
		return resp, err
	}
}

// GRPCRecovery gRPC恢复拦截器，panic 转换为 Internal
func (lm *LoggingMiddleware) GRPCRecovery() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				lm.logger.Log(kratoslog.LevelError,
					"msg", "gRPC request panic recovered",
					"method", info.FullMethod,
					"panic", r,
				)
				resp, err = nil, status.Error(codes.Internal, "internal server error")
			}
		}()

		return handler(ctx, req)
	}
}
