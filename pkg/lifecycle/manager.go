package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	logger   kratoslog.Logger
	hooks    []Hook
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	stopTimeout time.Duration
}

// Hook 生命周期钩子
type Hook struct {
	Name     string                      // 钩子名称
	OnStart  func(context.Context) error // 启动时执行的函数
	OnStop   func(context.Context) error // 停止时执行的函数
	Priority int                         // 优先级，数字越小优先级越高
	// Priority分级:
	// 0-99:    基础设施层（数据库、Redis、Kafka、NATS连接）
	// 100-199: 网关层（在线状态订阅、心跳巡检、Kafka消费）
	// 200+:    服务器层（HTTP、gRPC），最后启动、最先停止
}

// NewLifecycleManager 创建生命周期管理器
func NewLifecycleManager(logger kratoslog.Logger) *LifecycleManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &LifecycleManager{
		logger: logger,
		hooks:  make([]Hook, 0),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),

		stopTimeout: 30 * time.Second,
	}
}

// SetStopTimeout 设置停止阶段的总超时
func (lm *LifecycleManager) SetStopTimeout(d time.Duration) {
	if d > 0 {
		lm.stopTimeout = d
	}
}

// AddHook 添加生命周期钩子
func (lm *LifecycleManager) AddHook(hook Hook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.hooks = append(lm.hooks, hook)
	lm.sortHooks()
}

// sortHooks 按优先级排序钩子
func (lm *LifecycleManager) sortHooks() {
	sort.SliceStable(lm.hooks, func(i, j int) bool {
		return lm.hooks[i].Priority < lm.hooks[j].Priority
	})
}

// Start 按优先级启动所有钩子，任一失败则回滚已启动的钩子
func (lm *LifecycleManager) Start() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	lm.logger.Log(kratoslog.LevelInfo, "msg", "Starting lifecycle hooks")

	for i, hook := range lm.hooks {
		if hook.OnStart != nil {
			lm.logger.Log(kratoslog.LevelInfo, "msg", "Starting hook", "name", hook.Name)

			if err := hook.OnStart(lm.ctx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook start failed", "name", hook.Name, "error", err)
				lm.rollback(i)
				return err
			}

			lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook started successfully", "name", hook.Name)
		}
	}

	lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks started")
	return nil
}

// rollback 反序停止前 n 个已启动的钩子
func (lm *LifecycleManager) rollback(n int) {
	ctx, cancel := context.WithTimeout(context.Background(), lm.stopTimeout)
	defer cancel()
	for i := n - 1; i >= 0; i-- {
		if stop := lm.hooks[i].OnStop; stop != nil {
			if err := stop(ctx); err != nil {
				lm.logger.Log(kratoslog.LevelError, "msg", "Hook rollback failed", "name", lm.hooks[i].Name, "error", err)
			}
		}
	}
}

// Stop 停止所有钩子
func (lm *LifecycleManager) Stop() error {
	var stopErr error

	lm.stopOnce.Do(func() {
		lm.mu.RLock()
		defer lm.mu.RUnlock()

		lm.logger.Log(kratoslog.LevelInfo, "msg", "Stopping lifecycle hooks")

		// 创建带超时的上下文
		ctx, cancel := context.WithTimeout(context.Background(), lm.stopTimeout)
		defer cancel()

		// 反向停止钩子（后启动的先停止）
		for i := len(lm.hooks) - 1; i >= 0; i-- {
			hook := lm.hooks[i]
			if hook.OnStop != nil {
				lm.logger.Log(kratoslog.LevelInfo, "msg", "Stopping hook", "name", hook.Name)

				if err := hook.OnStop(ctx); err != nil {
					lm.logger.Log(kratoslog.LevelError, "msg", "Hook stop failed", "name", hook.Name, "error", err)
					if stopErr == nil {
						stopErr = err
					}
				} else {
					lm.logger.Log(kratoslog.LevelInfo, "msg", "Hook stopped successfully", "name", hook.Name)
				}
			}
		}

		// 取消上下文
		lm.cancel()
		close(lm.done)

		lm.logger.Log(kratoslog.LevelInfo, "msg", "All lifecycle hooks stopped")
	})

	return stopErr
}

// Wait 等待停止信号或致命错误，随后停止所有钩子
func (lm *LifecycleManager) Wait(fatal <-chan error) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		lm.logger.Log(kratoslog.LevelInfo, "msg", "Received signal", "signal", sig.String())
		return lm.Stop()
	case err := <-fatal:
		lm.logger.Log(kratoslog.LevelError, "msg", "Fatal error, shutting down", "error", err)
		if stopErr := lm.Stop(); stopErr != nil {
			return errors.Join(err, stopErr)
		}
		return err
	case <-lm.done:
		return nil
	}
}

// Context 获取生命周期上下文
func (lm *LifecycleManager) Context() context.Context {
	return lm.ctx
}

// Done 获取完成通道
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.done
}

// IsRunning 检查是否正在运行
func (lm *LifecycleManager) IsRunning() bool {
	select {
	case <-lm.done:
		return false
	default:
		return true
	}
}
