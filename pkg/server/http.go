package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"snippet-notify/pkg/config"
)

const (
	httpServerName        = "http"
	defaultHeaderTimeout  = 30 * time.Second
	defaultMaxHeaderBytes = 16 << 10
)

// NewGinEngine 创建Gin引擎，mode 为空时使用 release
func NewGinEngine(mode string) *gin.Engine {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	return engine
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	Server
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
}

// HTTPServerWrapper 承载 REST 接口与 WebSocket 升级的 Gin 服务器
type HTTPServerWrapper struct {
	engine   *gin.Engine
	server   *http.Server
	network  string
	listener net.Listener
	logger   *kratoslog.Helper
}

// NewHTTPServerWrapper 创建HTTP服务器包装器
func NewHTTPServerWrapper(c *config.Config, logger kratoslog.Logger) *HTTPServerWrapper {
	engine := NewGinEngine(c.App.Mode)

	timeout := c.Server.HTTP.Timeout
	if timeout <= 0 {
		timeout = defaultHeaderTimeout
	}
	network := c.Server.HTTP.Network
	if network == "" {
		network = "tcp"
	}

	// 长连接会话期间持续读写，只能限制请求头阶段
	server := &http.Server{
		Addr:              c.Server.HTTP.Addr,
		Handler:           engine,
		ReadHeaderTimeout: timeout,
		IdleTimeout:       2 * timeout,
		MaxHeaderBytes:    defaultMaxHeaderBytes,
	}

	return &HTTPServerWrapper{
		engine:  engine,
		server:  server,
		network: network,
		logger:  kratoslog.NewHelper(logger),
	}
}

// Name 服务器名称
func (w *HTTPServerWrapper) Name() string {
	return httpServerName
}

// GetEngine 获取Gin引擎
func (w *HTTPServerWrapper) GetEngine() *gin.Engine {
	return w.engine
}

// RegisterRoutes 注册路由
func (w *HTTPServerWrapper) RegisterRoutes(registerFunc func(*gin.Engine)) {
	registerFunc(w.engine)
}

// Listen 绑定端口
func (w *HTTPServerWrapper) Listen() (net.Addr, error) {
	lis, err := net.Listen(w.network, w.server.Addr)
	if err != nil {
		return nil, err
	}
	w.listener = lis
	return lis.Addr(), nil
}

// Serve 处理请求，阻塞直到 Stop
func (w *HTTPServerWrapper) Serve() error {
	if w.listener == nil {
		return errors.New("http server is not listening")
	}
	if err := w.server.Serve(w.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅关闭，已升级的 WebSocket 连接由业务层自行关闭
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Infow("msg", "HTTP server stopping")
	err := w.server.Shutdown(ctx)
	if w.listener != nil {
		// Serve 尚未运行时监听器不受 Shutdown 管理
		_ = w.listener.Close()
	}
	return err
}
