package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"livedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PublicHandler 访客侧 HTTP 通道：事件提交 + 轮询拉取。
// 与 WebSocket 共用同一个事件路由器，语义完全一致。
type PublicHandler struct {
	router     *services.EventRouter
	dispatcher *services.Dispatcher
	polls      *services.PollBuffer
	logger     *logrus.Logger
}

func NewPublicHandler(router *services.EventRouter, dispatcher *services.Dispatcher, polls *services.PollBuffer, logger *logrus.Logger) *PublicHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &PublicHandler{
		router:     router,
		dispatcher: dispatcher,
		polls:      polls,
		logger:     logger,
	}
}

type publicEventRequest struct {
	Event     string          `json:"event" binding:"required"`
	Data      json.RawMessage `json:"data"`
	SessionID string          `json:"session_id"`
}

// SubmitEvent 轮询通道的事件入口；直接回复作为响应体返回
func (h *PublicHandler) SubmitEvent(c *gin.Context) {
	var req publicEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "event is required",
		})
		return
	}

	ev, err := services.DecodeInbound(req.Event, req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	origin := services.Origin{
		Role:      services.RoleGuest,
		SessionID: req.SessionID,
	}
	replies := h.router.Process(origin, ev)
	if replies == nil {
		replies = []services.Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    replies,
	})
}

// Poll 按游标拉取会话的出站事件增量
func (h *PublicHandler) Poll(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "session_id is required",
		})
		return
	}
	cursor, err := strconv.ParseUint(c.DefaultQuery("cursor", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid cursor",
		})
		return
	}

	// 轮询视作会话活跃，避免被清扫误杀
	h.dispatcher.Touch(sessionID)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.polls.Read(sessionID, cursor),
	})
}

// GetSession 会话当前快照（轮询客户端初始化用）
func (h *PublicHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")
	sess, ok := h.dispatcher.GetSession(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "session not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    sess,
	})
}
