package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"livedesk/internal/config"
	"livedesk/internal/services"
)

func newHandlerTestStore(t *testing.T) *services.PersistenceService {
	t.Helper()
	dsn := "file:handlers_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := services.NewPersistenceService(db, config.BreakerConfig{Enabled: true}, nil)
	if err != nil {
		t.Fatalf("new persistence service: %v", err)
	}
	return store
}

func TestHealthHandler_WithoutStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHealthHandler(nil)

	router := gin.New()
	router.GET("/health", handler.Health)
	router.GET("/ready", handler.Ready)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "persistence")

	req = httptest.NewRequest("GET", "/ready", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_WithStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newHandlerTestStore(t)
	handler := NewHealthHandler(store)

	router := gin.New()
	router.GET("/health", handler.Health)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	breaker, ok := body["persistence"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, "closed", breaker["state"])
}

func TestMetricsHandler_GetMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewMetricsHandler(nil)

	router := gin.New()
	router.GET("/metrics", handler.GetMetrics)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Dispatch  map[string]uint64 `json:"dispatch"`
			RateLimit struct {
				Total uint64 `json:"total"`
			} `json:"rate_limit"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Data.Dispatch, "events_processed")
}
