package handlers

import (
	"net/http"
	"strconv"

	"livedesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StaffHandler 客服侧 REST：队列视图、消息历史、优先级提升、工作模式
type StaffHandler struct {
	dispatcher *services.Dispatcher
	store      *services.PersistenceService
	logger     *logrus.Logger
}

func NewStaffHandler(dispatcher *services.Dispatcher, store *services.PersistenceService, logger *logrus.Logger) *StaffHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &StaffHandler{
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
}

// GetQueue 等待队列快照
func (h *StaffHandler) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.dispatcher.QueueSnapshot(),
	})
}

// GetStaff 在线客服注册表
func (h *StaffHandler) GetStaff(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.dispatcher.StaffSnapshot(),
	})
}

// GetMessages 会话消息历史
func (h *StaffHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("id")
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "message history is not available",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	messages, err := h.store.LoadMessages(sessionID, limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load message history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to load messages",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    messages,
	})
}

type boostRequest struct {
	Reason string `json:"reason"`
}

// BoostPriority 人工提升等待中会话的优先级
func (h *StaffHandler) BoostPriority(c *gin.Context) {
	sessionID := c.Param("id")
	var req boostRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.dispatcher.BoostPriority(sessionID, req.Reason); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

type workModeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// SetWorkMode 显式切换客服工作模式
func (h *StaffHandler) SetWorkMode(c *gin.Context) {
	staffID := c.Param("id")
	// 只能改自己的模式
	if uid := c.GetString("user_id"); uid != "" && uid != staffID {
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "cannot change another staff member's work mode",
		})
		return
	}
	var req workModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "mode is required",
		})
		return
	}
	if err := h.dispatcher.SetWorkMode(staffID, req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}

type claimRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// ClaimSession REST 通道的显式认领
func (h *StaffHandler) ClaimSession(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "session_id is required",
		})
		return
	}
	staffID := c.GetString("user_id")
	staffName := c.GetString("username")
	if staffID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "staff identity required",
		})
		return
	}
	if err := h.dispatcher.ClaimSession(req.SessionID, staffID, staffName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
	})
}
