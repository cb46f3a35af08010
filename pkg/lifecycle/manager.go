package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// DefaultStopTimeout 停止所有钩子的总超时
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyStarted 重复启动
var ErrAlreadyStarted = errors.New("lifecycle already started")

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Hook 生命周期钩子。Priority 越小越先启动、越晚停止：
//
//	0-99    基础设施（数据库、Redis、Kafka 生产者）
//	100-199 投递核心（注册表、重试队列、心跳）
//	200-299 HTTP / gRPC 服务器
//	300+    Kafka 消费者等入口
type Hook struct {
	Name     string
	Priority int
	OnStart  func(context.Context) error
	OnStop   func(context.Context) error
}

// LifecycleManager 按优先级启停钩子
type LifecycleManager struct {
	logger      *kratoslog.Helper
	stopTimeout time.Duration

	mu      sync.Mutex
	hooks   []Hook
	started []Hook // 已成功启动的钩子，按启动顺序
	state   state

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(logger kratoslog.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		logger:      kratoslog.NewHelper(logger),
		stopTimeout: DefaultStopTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// SetStopTimeout 设置停止超时
func (lm *LifecycleManager) SetStopTimeout(d time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if d > 0 {
		lm.stopTimeout = d
	}
}

// AddHook 添加钩子，同优先级按添加顺序执行；启动后添加的钩子不会执行
func (lm *LifecycleManager) AddHook(hook Hook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.state != stateIdle {
		lm.logger.Warnw("msg", "Hook added after start is ignored", "hook", hook.Name)
		return
	}
	lm.hooks = append(lm.hooks, hook)
}

// Start 按优先级启动钩子，任一失败时回滚已启动的钩子并返回该错误
func (lm *LifecycleManager) Start() error {
	lm.mu.Lock()
	if lm.state != stateIdle {
		lm.mu.Unlock()
		return ErrAlreadyStarted
	}
	lm.state = stateRunning
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
	hooks := append([]Hook(nil), lm.hooks...)
	lm.mu.Unlock()

	for _, hook := range hooks {
		if hook.OnStart != nil {
			begin := time.Now()
			if err := hook.OnStart(lm.ctx); err != nil {
				lm.logger.Errorw("msg", "Hook start failed", "hook", hook.Name, "error", err)
				_ = lm.Stop()
				return fmt.Errorf("start %s: %w", hook.Name, err)
			}
			lm.logger.Infow("msg", "Hook started", "hook", hook.Name, "elapsed", time.Since(begin))
		}
		lm.mu.Lock()
		lm.started = append(lm.started, hook)
		lm.mu.Unlock()
	}

	lm.logger.Infow("msg", "Lifecycle started", "hooks", len(hooks))
	return nil
}

// Stop 逆序停止已启动的钩子，只执行一次，返回全部停止错误
func (lm *LifecycleManager) Stop() error {
	lm.stopOnce.Do(func() {
		lm.mu.Lock()
		started := lm.started
		timeout := lm.stopTimeout
		lm.state = stateStopped
		lm.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		for i := len(started) - 1; i >= 0; i-- {
			hook := started[i]
			if hook.OnStop == nil {
				continue
			}
			if err := hook.OnStop(ctx); err != nil {
				lm.logger.Errorw("msg", "Hook stop failed", "hook", hook.Name, "error", err)
				errs = append(errs, fmt.Errorf("stop %s: %w", hook.Name, err))
				continue
			}
			lm.logger.Infow("msg", "Hook stopped", "hook", hook.Name)
		}

		lm.cancel()
		close(lm.done)
		lm.stopErr = errors.Join(errs...)
		lm.logger.Infow("msg", "Lifecycle stopped")
	})
	return lm.stopErr
}

// Wait 阻塞到收到退出信号、fatal 有错误或已被停止，随后停止所有钩子
func (lm *LifecycleManager) Wait(fatal <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		lm.logger.Infow("msg", "Received signal", "signal", sig.String())
	case err := <-fatal:
		lm.logger.Errorw("msg", "Fatal component error", "error", err)
	case <-lm.done:
	}
	return lm.Stop()
}

// Context 生命周期上下文，停止后被取消
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// Done 停止完成后关闭
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}

// IsRunning 已启动且尚未停止
func (lm *LifecycleManager) IsRunning() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.state == stateRunning
}
