package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"snippet-notify/pkg/logger"
)

// RequestIDHeader 请求ID头
const RequestIDHeader = "X-Request-ID"

// OTelMiddleware 请求级链路追踪与请求ID
type OTelMiddleware struct {
	serviceName string
	untraced    map[string]struct{}
}

// NewOTelMiddleware 创建追踪中间件，探活与指标路径不产生 span
func NewOTelMiddleware(serviceName string) *OTelMiddleware {
	untraced := make(map[string]struct{}, len(defaultSkipPaths))
	for _, p := range defaultSkipPaths {
		untraced[p] = struct{}{}
	}
	return &OTelMiddleware{serviceName: serviceName, untraced: untraced}
}

// GinMiddleware 先分配请求ID，再交给 otelgin 创建 span
func (m *OTelMiddleware) GinMiddleware() gin.HandlerFunc {
	traced := otelgin.Middleware(m.serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		_, skip := m.untraced[r.URL.Path]
		return !skip
	}))

	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		ctx := logger.ContextWithRequestID(c.Request.Context(), requestID)
		ctx = logger.ContextWithService(ctx, m.serviceName)
		c.Request = c.Request.WithContext(ctx)

		// otelgin 内部调用 c.Next
		traced(c)
	}
}

// SpanAttributes 认证之后在 span 上补充路由、客户端与用户
func SpanAttributes() gin.HandlerFunc {
	return func(c *gin.Context) {
		if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
			attrs := []attribute.KeyValue{
				attribute.String("http.route", c.FullPath()),
				attribute.String("client.address", c.ClientIP()),
				attribute.String("request.id", c.Writer.Header().Get(RequestIDHeader)),
			}
			if userID := c.GetString(ContextUserID); userID != "" {
				attrs = append(attrs, attribute.String("enduser.id", userID))
			}
			span.SetAttributes(attrs...)
		}
		c.Next()
	}
}
