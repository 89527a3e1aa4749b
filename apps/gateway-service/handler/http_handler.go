package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"goim-gateway/apps/gateway-service/model"
	"goim-gateway/apps/gateway-service/service"
	"goim-gateway/pkg/httpx"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// HTTPHandler 业务后端调用的派发与在线状态查询接口
//
// 路由要求服务令牌；只允许派发 MESSAGE_CREATE 与 FRIEND_REQUEST。
type HTTPHandler struct {
	svc *service.Service
	log logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(svc *service.Service, log logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		svc: svc,
		log: log,
	}
}

// RegisterRoutes 注册HTTP路由，auth 应校验服务令牌，为空时不做鉴权
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, auth ...gin.HandlerFunc) {
	api := r.Group("/api/v1/gateway", auth...)
	{
		api.POST("/channels/:channelId/dispatch", h.DispatchToChannel) // 频道广播
		api.POST("/users/:userId/dispatch", h.DispatchToUser)          // 单用户推送
		api.POST("/presence", h.QueryPresence)                         // 批量查询在线状态
	}
}

// DispatchToChannel 向频道受众广播一个事件
func (h *HTTPHandler) DispatchToChannel(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channelId")

	var req model.DispatchRequest
	if err := bindDispatch(c, &req); err != nil {
		h.log.Warn(ctx, "Invalid channel dispatch request", logger.F("error", err.Error()))
		httpx.WriteObject(c, &model.DispatchResponse{Message: err.Error()}, err)
		return
	}

	n, err := h.svc.Fanout().BroadcastToChannel(ctx, channelID, req.Event, payloadOf(req.Payload))
	if errors.Is(err, service.ErrChannelNotFound) {
		c.JSON(http.StatusNotFound, &model.DispatchResponse{Message: "channel not found"})
		return
	}
	if err != nil {
		h.log.Error(ctx, "Channel dispatch failed",
			logger.F("channel_id", channelID), logger.F("error", err.Error()))
		httpx.WriteObject(c, &model.DispatchResponse{Message: "dispatch failed"}, err)
		return
	}

	httpx.WriteObject(c, &model.DispatchResponse{Success: true, Message: "ok", Delivered: n}, nil)
}

// DispatchToUser 向单个用户推送一个事件，用户不在线时 delivered 为 0
func (h *HTTPHandler) DispatchToUser(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")

	var req model.DispatchRequest
	if err := bindDispatch(c, &req); err != nil {
		h.log.Warn(ctx, "Invalid user dispatch request", logger.F("error", err.Error()))
		httpx.WriteObject(c, &model.DispatchResponse{Message: err.Error()}, err)
		return
	}

	delivered := 0
	if h.svc.Fanout().SendToUser(userID, req.Event, payloadOf(req.Payload)) {
		delivered = 1
	}
	httpx.WriteObject(c, &model.DispatchResponse{Success: true, Message: "ok", Delivered: delivered}, nil)
}

// QueryPresence 批量查询在线状态
func (h *HTTPHandler) QueryPresence(c *gin.Context) {
	ctx := c.Request.Context()

	var req model.PresenceQueryRequest
	if err := httpx.BindJSON(c, &req); err != nil {
		h.log.Warn(ctx, "Invalid presence query", logger.F("error", err.Error()))
		httpx.WriteObject(c, &model.PresenceQueryResponse{Message: err.Error()}, err)
		return
	}

	httpx.WriteObject(c, &model.PresenceQueryResponse{
		Success:  true,
		Message:  "ok",
		Statuses: h.svc.Presence().Statuses(req.UserIDs),
	}, nil)
}

// bindDispatch 解析派发请求并拒绝网关自身产生的事件
func bindDispatch(c *gin.Context, req *model.DispatchRequest) error {
	if err := httpx.BindJSON(c, req); err != nil {
		return err
	}
	if !protocol.BackendDispatchable(req.Event) {
		return fmt.Errorf("%w: event %s cannot be dispatched", httpx.ErrBadRequest, req.Event)
	}
	return nil
}

func payloadOf(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
