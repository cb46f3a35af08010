package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"snippet-notify/pkg/config"
)

// Server 由 ServerManager 托管的监听服务
type Server interface {
	// Name 服务器名称，用于日志和错误
	Name() string
	// Listen 绑定端口，不阻塞
	Listen() (net.Addr, error)
	// Serve 处理请求直到 Stop，正常关闭返回 nil
	Serve() error
	Stop(ctx context.Context) error
}

// ServerManager 统一管理 HTTP 与 gRPC 服务器
type ServerManager struct {
	config     *config.Config
	logger     kratoslog.Logger
	helper     *kratoslog.Helper
	httpServer HTTPServer
	grpcServer GRPCServer

	mu      sync.RWMutex
	servers []Server
	addrs   map[string]net.Addr
	errCh   chan error
}

// NewServerManager 创建服务器管理器
func NewServerManager(cfg *config.Config, logger kratoslog.Logger) *ServerManager {
	return &ServerManager{
		config: cfg,
		logger: logger,
		helper: kratoslog.NewHelper(logger),
		addrs:  make(map[string]net.Addr),
		errCh:  make(chan error, 2),
	}
}

// EnableHTTP 启用HTTP服务器，重复调用返回同一实例
func (sm *ServerManager) EnableHTTP() HTTPServer {
	if sm.httpServer == nil {
		sm.httpServer = NewHTTPServerWrapper(sm.config, sm.logger)
		sm.addServer(sm.httpServer)
	}
	return sm.httpServer
}

// EnableGRPC 启用gRPC服务器，重复调用返回同一实例
func (sm *ServerManager) EnableGRPC() GRPCServer {
	if sm.grpcServer == nil {
		sm.grpcServer = NewGRPCServerWrapper(sm.config, sm.logger)
		sm.addServer(sm.grpcServer)
	}
	return sm.grpcServer
}

// RegisterHTTPRoutes 注册HTTP路由
func (sm *ServerManager) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) error {
	if sm.httpServer == nil {
		return fmt.Errorf("HTTP server not enabled")
	}
	sm.httpServer.RegisterRoutes(registerFunc)
	return nil
}

// RegisterGRPCService 注册gRPC服务
func (sm *ServerManager) RegisterGRPCService(registerFunc func(*grpc.Server)) error {
	if sm.grpcServer == nil {
		return fmt.Errorf("gRPC server not enabled")
	}
	sm.grpcServer.RegisterService(registerFunc)
	return nil
}

func (sm *ServerManager) addServer(server Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, server)
}

// StartAll 先同步绑定全部端口，任一失败则关闭已绑定的并返回错误；
// 绑定成功后在后台处理请求，运行期错误通过 Errors 通知
func (sm *ServerManager) StartAll(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for i, server := range sm.servers {
		addr, err := server.Listen()
		if err != nil {
			for _, started := range sm.servers[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("listen %s: %w", server.Name(), err)
		}
		sm.addrs[server.Name()] = addr
		sm.helper.Infow("msg", "Server listening", "server", server.Name(), "addr", addr.String())
	}

	for _, server := range sm.servers {
		go sm.serve(server)
	}
	return nil
}

func (sm *ServerManager) serve(server Server) {
	err := server.Serve()
	if err == nil {
		return
	}
	err = fmt.Errorf("%s server: %w", server.Name(), err)
	sm.helper.Errorw("msg", "Server exited unexpectedly", "server", server.Name(), "error", err)
	select {
	case sm.errCh <- err:
	default:
	}
}

// Addr 返回服务器实际监听地址，未启动时为 nil
func (sm *ServerManager) Addr(name string) net.Addr {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.addrs[name]
}

// Errors 服务器运行期错误
func (sm *ServerManager) Errors() <-chan error {
	return sm.errCh
}

// StopAll 按启用的逆序停止服务器
func (sm *ServerManager) StopAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var errs []error
	for i := len(sm.servers) - 1; i >= 0; i-- {
		server := sm.servers[i]
		if err := server.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", server.Name(), err))
		}
	}
	return errors.Join(errs...)
}
