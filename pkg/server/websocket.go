package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

// WebSocketHandler WebSocket处理器接口，升级成功后连接归处理器所有
type WebSocketHandler interface {
	HandleConnection(ctx context.Context, conn *websocket.Conn, r *http.Request)
}

// WebSocketHandlerFunc WebSocket处理器函数类型
type WebSocketHandlerFunc func(ctx context.Context, conn *websocket.Conn, r *http.Request)

// HandleConnection WebSocketHandler接口实现
func (f WebSocketHandlerFunc) HandleConnection(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	f(ctx, conn, r)
}

// WebSocketServerWrapper 在Gin引擎上挂载 websocket 升级路由
type WebSocketServerWrapper struct {
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   kratoslog.Logger
}

// NewWebSocketServerWrapper 创建WebSocket服务器包装器，接受任意 Origin
func NewWebSocketServerWrapper(engine *gin.Engine, logger kratoslog.Logger) *WebSocketServerWrapper {
	return &WebSocketServerWrapper{
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterHandler 注册WebSocket处理器
func (ws *WebSocketServerWrapper) RegisterHandler(path string, handler WebSocketHandler) {
	ws.engine.GET(path, func(c *gin.Context) {
		conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade 已经写回了错误响应
			ws.logger.Log(kratoslog.LevelWarn, "msg", "WebSocket upgrade failed", "error", err, "client_ip", c.ClientIP())
			return
		}
		handler.HandleConnection(c.Request.Context(), conn, c.Request)
	})
}
