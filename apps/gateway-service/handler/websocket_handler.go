package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"goim-gateway/apps/gateway-service/service"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/server"
)

// WSHandler WebSocket协议处理器
type WSHandler struct {
	svc *service.Service
	log logger.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(svc *service.Service, log logger.Logger) *WSHandler {
	return &WSHandler{
		svc: svc,
		log: log,
	}
}

// RegisterRoutes 在 path 上挂载网关长连接；鉴权在连接建立后通过 IDENTIFY 完成
func (ws *WSHandler) RegisterRoutes(wrapper *server.WebSocketServerWrapper, path string) {
	wrapper.RegisterHandler(path, ws)
}

// HandleConnection 接管升级后的连接，阻塞到连接关闭
func (ws *WSHandler) HandleConnection(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	info := service.ConnInfo{
		RemoteAddr: conn.RemoteAddr().String(),
		UserAgent:  r.UserAgent(),
	}
	ws.log.Debug(ctx, "Gateway connection upgraded", logger.F("remote_addr", info.RemoteAddr))
	ws.svc.Serve(ctx, conn, info)
}
