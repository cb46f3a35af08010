package server

import (
	"context"
	"errors"
	"net"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"snippet-notify/pkg/config"
	"snippet-notify/pkg/middleware"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	GetServer() *grpc.Server
	RegisterService(registerFunc func(*grpc.Server))
	SetServing(service string, serving bool)
	Server
}

const grpcServerName = "grpc"

// GRPCServerWrapper gRPC服务器包装器，默认注册标准健康检查服务
type GRPCServerWrapper struct {
	server   *grpc.Server
	health   *health.Server
	network  string
	addr     string
	listener net.Listener
	logger   *kratoslog.Helper
}

// NewGRPCServerWrapper 创建gRPC服务器包装器
func NewGRPCServerWrapper(c *config.Config, logger kratoslog.Logger) *GRPCServerWrapper {
	lm := middleware.NewLoggingMiddleware(logger)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		lm.GRPCRecovery(),
		lm.GRPCLogging(),
	))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)

	network := c.Server.GRPC.Network
	if network == "" {
		network = "tcp"
	}

	return &GRPCServerWrapper{
		server:  server,
		health:  hs,
		network: network,
		addr:    c.Server.GRPC.Addr,
		logger:  kratoslog.NewHelper(logger),
	}
}

// GetServer 获取gRPC服务器
func (w *GRPCServerWrapper) GetServer() *grpc.Server {
	return w.server
}

// RegisterService 注册服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// SetServing 更新健康状态，service 为空表示整体状态
func (w *GRPCServerWrapper) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	w.health.SetServingStatus(service, status)
}

// Name 服务器名称
func (w *GRPCServerWrapper) Name() string {
	return grpcServerName
}

// Listen 绑定端口
func (w *GRPCServerWrapper) Listen() (net.Addr, error) {
	lis, err := net.Listen(w.network, w.addr)
	if err != nil {
		return nil, err
	}
	w.listener = lis
	return lis.Addr(), nil
}

// Serve 处理请求，阻塞直到 Stop
func (w *GRPCServerWrapper) Serve() error {
	if w.listener == nil {
		return errors.New("grpc server is not listening")
	}
	if err := w.server.Serve(w.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 先把健康状态置为 NOT_SERVING，再优雅关闭；ctx 到期后强制关闭
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Infow("msg", "gRPC server stopping")
	w.health.Shutdown()

	done := make(chan struct{})
	go func() {
		w.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.server.Stop()
	}
	if w.listener != nil {
		_ = w.listener.Close()
	}
	return nil
}
