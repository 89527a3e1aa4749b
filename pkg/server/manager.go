package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// Server 通用服务器接口
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerManager 统一服务器管理器
type ServerManager struct {
	logger  kratoslog.Logger
	servers []Server
	errs    chan error
	mu      sync.RWMutex
}

// NewServerManager 创建服务器管理器
func NewServerManager(logger kratoslog.Logger) *ServerManager {
	return &ServerManager{
		logger: logger,
		errs:   make(chan error, 4),
	}
}

// Add 添加服务器到管理列表
func (sm *ServerManager) Add(servers ...Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, servers...)
}

// StartAll 在后台启动所有服务器，启动失败通过 Errors 上报
func (sm *ServerManager) StartAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for _, server := range sm.servers {
		go func(s Server) {
			if err := s.Start(ctx); err != nil {
				sm.logger.Log(kratoslog.LevelError, "msg", "Server start failed", "error", err)
				select {
				case sm.errs <- err:
				default:
				}
			}
		}(server)
	}

	sm.logger.Log(kratoslog.LevelInfo, "msg", "All servers started", "count", len(sm.servers))
	return nil
}

// Errors 服务器运行期错误
func (sm *ServerManager) Errors() <-chan error {
	return sm.errs
}

// StopAll 反序停止所有服务器
func (sm *ServerManager) StopAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var errs []error
	for i := len(sm.servers) - 1; i >= 0; i-- {
		if err := sm.servers[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors stopping servers: %w", errors.Join(errs...))
	}
	return nil
}
