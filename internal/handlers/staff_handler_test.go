package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"livedesk/internal/config"
	"livedesk/internal/services"
)

type staffTestEnv struct {
	dispatcher *services.Dispatcher
	handler    *StaffHandler
}

func newStaffTestEnv(t *testing.T) *staffTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	polls := services.NewPollBuffer(128)
	hub := services.NewWebSocketHub(polls, nil)
	dispatcher := services.NewDispatcher(config.DispatchConfig{
		DefaultMaxConcurrentChats: 3,
		AvgSessionMinutes:         8,
	}, nil, hub)

	return &staffTestEnv{
		dispatcher: dispatcher,
		handler:    NewStaffHandler(dispatcher, nil, nil),
	}
}

// fakeIdentity 模拟认证中间件写入的身份信息
func fakeIdentity(staffID, staffName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user_id", staffID)
		c.Set("username", staffName)
		c.Next()
	}
}

func (e *staffTestEnv) routerAs(staffID, staffName string) *gin.Engine {
	r := gin.New()
	if staffID != "" {
		r.Use(fakeIdentity(staffID, staffName))
	}
	r.GET("/api/queue", e.handler.GetQueue)
	r.GET("/api/staff", e.handler.GetStaff)
	r.POST("/api/sessions/claim", e.handler.ClaimSession)
	r.GET("/api/sessions/:id/messages", e.handler.GetMessages)
	r.POST("/api/sessions/:id/boost", e.handler.BoostPriority)
	r.PUT("/api/staff/:id/work-mode", e.handler.SetWorkMode)
	return r
}

func joinGuest(t *testing.T, e *staffTestEnv, message string) *services.LiveSession {
	t.Helper()
	sess, _, err := e.dispatcher.Join(services.GuestInfo{Name: "guest", InitialMessage: message}, "normal", nil)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	return sess
}

func TestStaffHandler_GetQueue(t *testing.T) {
	e := newStaffTestEnv(t)
	joinGuest(t, e, "monitor flickering")
	router := e.routerAs("agent_1", "Alice")

	req := httptest.NewRequest("GET", "/api/queue", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                   `json:"success"`
		Data    []services.LiveSession `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, 1, resp.Data[0].Position)
}

func TestStaffHandler_GetStaff(t *testing.T) {
	e := newStaffTestEnv(t)
	e.dispatcher.StaffConnect("agent_1", "Alice", 0)
	e.dispatcher.StaffConnect("agent_2", "Bob", 5)
	router := e.routerAs("agent_1", "Alice")

	req := httptest.NewRequest("GET", "/api/staff", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                  `json:"success"`
		Data    []services.StaffState `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, "agent_1", resp.Data[0].ID)
	assert.Equal(t, 5, resp.Data[1].MaxConcurrentChats)
}

func TestStaffHandler_ClaimSession(t *testing.T) {
	e := newStaffTestEnv(t)
	// 先占满唯一客服，让会话停在队列里可供认领
	e.dispatcher.StaffConnect("agent_1", "Alice", 1)
	joinGuest(t, e, "first issue")
	waiting := joinGuest(t, e, "second issue")

	router := e.routerAs("agent_1", "Alice")
	body, _ := json.Marshal(map[string]string{"session_id": waiting.ID})
	req := httptest.NewRequest("POST", "/api/sessions/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// agent_1 已达并发上限，认领应失败
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 新客服上线后可以认领
	e.dispatcher.StaffConnect("agent_2", "Bob", 3)
	router2 := e.routerAs("agent_2", "Bob")
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/api/sessions/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router2.ServeHTTP(w, req)

	if w.Code == http.StatusOK {
		got, ok := e.dispatcher.GetSession(waiting.ID)
		assert.True(t, ok)
		assert.Equal(t, "agent_2", got.AssignedStaffID)
	} else {
		// 自动指派可能已抢先把会话分给 agent_2
		got, ok := e.dispatcher.GetSession(waiting.ID)
		assert.True(t, ok)
		assert.Equal(t, services.StatusActive, got.Status)
	}
}

func TestStaffHandler_ClaimSession_NoIdentity(t *testing.T) {
	e := newStaffTestEnv(t)
	router := e.routerAs("", "")

	body, _ := json.Marshal(map[string]string{"session_id": "whatever"})
	req := httptest.NewRequest("POST", "/api/sessions/claim", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStaffHandler_SetWorkMode(t *testing.T) {
	e := newStaffTestEnv(t)
	e.dispatcher.StaffConnect("agent_1", "Alice", 3)
	router := e.routerAs("agent_1", "Alice")

	body, _ := json.Marshal(map[string]string{"mode": "away"})
	req := httptest.NewRequest("PUT", "/api/staff/agent_1/work-mode", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	staff := e.dispatcher.StaffSnapshot()
	assert.Equal(t, services.ModeAway, staff[0].Mode)
}

func TestStaffHandler_SetWorkMode_OtherStaffForbidden(t *testing.T) {
	e := newStaffTestEnv(t)
	e.dispatcher.StaffConnect("agent_2", "Bob", 3)
	router := e.routerAs("agent_1", "Alice")

	body, _ := json.Marshal(map[string]string{"mode": "away"})
	req := httptest.NewRequest("PUT", "/api/staff/agent_2/work-mode", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStaffHandler_BoostPriority(t *testing.T) {
	e := newStaffTestEnv(t)
	sess := joinGuest(t, e, "vip customer waiting")
	router := e.routerAs("agent_1", "Alice")

	body, _ := json.Marshal(map[string]string{"reason": "long wait"})
	req := httptest.NewRequest("POST", "/api/sessions/"+sess.ID+"/boost", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	got, _ := e.dispatcher.GetSession(sess.ID)
	assert.Equal(t, services.PriorityHigh, got.Priority)
}

func TestStaffHandler_BoostPriority_UnknownSession(t *testing.T) {
	e := newStaffTestEnv(t)
	router := e.routerAs("agent_1", "Alice")

	req := httptest.NewRequest("POST", "/api/sessions/nope/boost", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStaffHandler_GetMessages_NoStore(t *testing.T) {
	e := newStaffTestEnv(t)
	router := e.routerAs("agent_1", "Alice")

	req := httptest.NewRequest("GET", "/api/sessions/s1/messages", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
