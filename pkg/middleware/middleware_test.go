package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"snippet-notify/pkg/auth"
	"snippet-notify/pkg/httpx"
	"snippet-notify/pkg/logger"
)

// levelRecorder 记录每条日志的级别和 msg
type levelRecorder struct {
	levels []kratoslog.Level
	msgs   []string
}

func (r *levelRecorder) Log(level kratoslog.Level, keyvals ...interface{}) error {
	r.levels = append(r.levels, level)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == "msg" {
			r.msgs = append(r.msgs, keyvals[i+1].(string))
		}
	}
	return nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	am := NewAuthMiddleware(kratoslog.NewStdLogger(io.Discard), "secret", "/ws*")
	r := gin.New()
	r.Use(am.GinAuth())
	handler := func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID))
	}
	r.GET("/health", handler)
	r.GET("/ws", handler)
	r.GET("/api/v1/notify/stats", handler)
	return r
}

func TestGinAuth(t *testing.T) {
	r := newAuthRouter(t)
	token, err := auth.GenerateJWT("u1", "alice", "secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		header string
		want   int
		body   string
	}{
		{"health skips auth", "/health", "", http.StatusOK, ""},
		{"wildcard skip", "/ws", "", http.StatusOK, ""},
		{"missing token", "/api/v1/notify/stats", "", http.StatusUnauthorized, ""},
		{"bad token", "/api/v1/notify/stats", "Bearer nope", http.StatusUnauthorized, ""},
		{"bearer token", "/api/v1/notify/stats", "Bearer " + token, http.StatusOK, "u1"},
		{"query token", "/api/v1/notify/stats?token=" + token, "", http.StatusOK, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.body != "" && w.Body.String() != tt.body {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.body)
			}
		})
	}
}

func TestExtractToken(t *testing.T) {
	if got := ExtractToken("Bearer abc", "q"); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := ExtractToken("abc", ""); got != "abc" {
		t.Errorf("got %q", got)
	}
	if got := ExtractToken("", "q"); got != "q" {
		t.Errorf("got %q", got)
	}
	if got := ExtractToken("bearer  abc ", ""); got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestSkipRules(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"/api/v1/*/health", "/api/v1/notify/health", true},
		{"/api/v1/*/health", "/api/v1/notify/stats", false},
		{"/ws/*", "/ws/connect", true},
		{"/ws*", "/ws", true},
		{"/ws*", "/api", false},
		{"/health", "/health/deep", false},
	}
	for _, c := range cases {
		if got := newSkipRule(c.pattern).match(c.path); got != c.want {
			t.Errorf("skip %q for %q = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	if _, err := Authenticate("", "", "secret"); !errors.Is(err, ErrMissingToken) {
		t.Errorf("empty token err = %v", err)
	}
	if _, err := Authenticate("Bearer garbage", "", "secret"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("bad token err = %v", err)
	}
	token, err := auth.GenerateJWT("u1", "alice", "secret", time.Minute)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}
	claims, err := Authenticate("", token, "secret")
	if err != nil || claims.UserID != "u1" {
		t.Errorf("query token claims = %+v, err = %v", claims, err)
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(logger.NewNopLogger()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body httpx.ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Kind != "internal" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestGinLoggingLevels(t *testing.T) {
	rec := &levelRecorder{}
	r := gin.New()
	r.Use(NewLoggingMiddleware(rec).GinLogging())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/fail", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/health", "/ok", "/missing", "/fail"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	want := []kratoslog.Level{kratoslog.LevelDebug, kratoslog.LevelInfo, kratoslog.LevelWarn, kratoslog.LevelError}
	if len(rec.levels) != len(want) {
		t.Fatalf("levels = %v", rec.levels)
	}
	for i := range want {
		if rec.levels[i] != want[i] {
			t.Errorf("levels[%d] = %v, want %v", i, rec.levels[i], want[i])
		}
	}
}

func TestGRPCInterceptors(t *testing.T) {
	rec := &levelRecorder{}
	lm := NewLoggingMiddleware(rec)
	info := &grpc.UnaryServerInfo{FullMethod: "/notify.v1.Notify/Send"}

	_, err := lm.GRPCRecovery()(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Errorf("recovered code = %v, want Internal", status.Code(err))
	}

	_, err = lm.GRPCLogging()(context.Background(), nil, info, func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "nope")
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("code = %v", status.Code(err))
	}
	if last := rec.levels[len(rec.levels)-1]; last != kratoslog.LevelWarn {
		t.Errorf("level = %v, want warn", last)
	}

	health := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	before := len(rec.levels)
	_, _ = lm.GRPCLogging()(context.Background(), nil, health, func(context.Context, interface{}) (interface{}, error) {
		return nil, nil
	})
	if len(rec.levels) != before {
		t.Error("health check should not be logged")
	}
}

func TestRateLimit(t *testing.T) {
	rl, err := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	r := gin.New()
	r.Use(RateLimit(rl))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		statuses = append(statuses, w.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Errorf("statuses = %v", statuses)
	}

	// 其他客户端不受影响
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("second client status = %d", w.Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}
}

func TestRequestIDPropagated(t *testing.T) {
	r := gin.New()
	r.Use(NewOTelMiddleware("notify-test").GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "req-1" {
		t.Errorf("request id = %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}
}

func TestProbesAreNotTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	r := gin.New()
	r.Use(NewOTelMiddleware("notify-test").GinMiddleware(), SpanAttributes())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/v1/notify/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, p := range []string{"/health", "/api/v1/notify/stats"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var route string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.route" {
			route = kv.Value.AsString()
		}
	}
	if route != "/api/v1/notify/stats" {
		t.Errorf("http.route = %q", route)
	}
}
