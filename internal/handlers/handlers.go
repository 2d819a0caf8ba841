package handlers

import (
	"net/http"
	"time"

	"livedesk/internal/metrics"
	"livedesk/internal/services"

	"github.com/gin-gonic/gin"
)

type WebSocketHandler struct {
	wsHub *services.WebSocketHub
}

func NewWebSocketHandler(wsHub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{
		wsHub: wsHub,
	}
}

func (h *WebSocketHandler) HandleGuestWS(c *gin.Context) {
	h.wsHub.HandleGuestWS(c)
}

func (h *WebSocketHandler) HandleStaffWS(c *gin.Context) {
	h.wsHub.HandleStaffWS(c)
}

func (h *WebSocketHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": map[string]interface{}{
			"connected_clients": h.wsHub.GetClientCount(),
			"status":            "running",
		},
	})
}

type HealthHandler struct {
	store *services.PersistenceService
}

func NewHealthHandler(store *services.PersistenceService) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) Health(c *gin.Context) {
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   "1.0.0",
	}
	if h.store != nil {
		body["persistence"] = h.store.BreakerStats()
	}
	c.JSON(http.StatusOK, body)
}

func (h *HealthHandler) Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

type MetricsHandler struct {
	wsHub *services.WebSocketHub
}

func NewMetricsHandler(wsHub *services.WebSocketHub) *MetricsHandler {
	return &MetricsHandler{wsHub: wsHub}
}

// GetMetrics 运行时计数器快照
func (h *MetricsHandler) GetMetrics(c *gin.Context) {
	rlTotal, rlByPath := metrics.RateLimitSnapshot()
	body := gin.H{
		"dispatch": metrics.DispatchSnapshot(),
		"rate_limit": gin.H{
			"total":   rlTotal,
			"by_path": rlByPath,
		},
	}
	if h.wsHub != nil {
		body["connected_clients"] = h.wsHub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    body,
	})
}
