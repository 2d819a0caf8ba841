package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"livedesk/internal/config"
	"livedesk/internal/services"
)

type publicTestEnv struct {
	dispatcher *services.Dispatcher
	router     *gin.Engine
}

func newPublicTestEnv(t *testing.T) *publicTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	polls := services.NewPollBuffer(128)
	hub := services.NewWebSocketHub(polls, nil)
	dispatcher := services.NewDispatcher(config.DispatchConfig{
		DefaultMaxConcurrentChats: 3,
		AvgSessionMinutes:         8,
	}, nil, hub)
	eventRouter := services.NewEventRouter(dispatcher, hub, nil)
	hub.SetRouter(eventRouter)

	handler := NewPublicHandler(eventRouter, dispatcher, polls, nil)
	router := gin.New()
	router.POST("/api/public/events", handler.SubmitEvent)
	router.GET("/api/public/poll", handler.Poll)
	router.GET("/api/public/sessions/:id", handler.GetSession)

	return &publicTestEnv{dispatcher: dispatcher, router: router}
}

type apiResponse struct {
	Success bool                `json:"success"`
	Data    []services.Envelope `json:"data"`
	Error   string              `json:"error"`
}

func submitEvent(t *testing.T, env *publicTestEnv, event string, data interface{}, sessionID string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	body, _ := json.Marshal(map[string]interface{}{
		"event":      event,
		"data":       json.RawMessage(raw),
		"session_id": sessionID,
	})
	req := httptest.NewRequest("POST", "/api/public/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return w, resp
}

func joinViaHTTP(t *testing.T, env *publicTestEnv) string {
	t.Helper()
	w, resp := submitEvent(t, env, services.EvtJoinPublicChat, map[string]interface{}{
		"guest_info": map[string]string{"name": "访客", "initial_message": "printer is down"},
		"priority":   "normal",
	}, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	if len(resp.Data) == 0 {
		t.Fatal("expected direct replies from join")
	}
	assert.Equal(t, services.EvtSessionCreated, resp.Data[0].Event)
	return resp.Data[0].SessionID
}

func TestPublicHandler_SubmitEvent_Join(t *testing.T) {
	env := newPublicTestEnv(t)

	w, resp := submitEvent(t, env, services.EvtJoinPublicChat, map[string]interface{}{
		"guest_info": map[string]string{"name": "张三", "initial_message": "vpn keeps dropping"},
		"priority":   "high",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)

	events := make([]string, 0, len(resp.Data))
	for _, e := range resp.Data {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, services.EvtSessionCreated)
	assert.Contains(t, events, services.EvtQueueJoined)
}

func TestPublicHandler_SubmitEvent_MissingEvent(t *testing.T) {
	env := newPublicTestEnv(t)

	req := httptest.NewRequest("POST", "/api/public/events", bytes.NewReader([]byte(`{"data":{}}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicHandler_SubmitEvent_UnknownEvent(t *testing.T) {
	env := newPublicTestEnv(t)

	w, resp := submitEvent(t, env, "no_such_event", map[string]string{}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestPublicHandler_Poll_CursorFlow(t *testing.T) {
	env := newPublicTestEnv(t)
	sessionID := joinViaHTTP(t, env)

	// 入队后轮询缓冲里应已有排队事件
	req := httptest.NewRequest("GET", fmt.Sprintf("/api/public/poll?session_id=%s&cursor=0", sessionID), nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Events []services.Envelope `json:"events"`
			Cursor uint64              `json:"cursor"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data.Events)
	assert.Greater(t, resp.Data.Cursor, uint64(0))

	// 用返回的游标再拉应为空增量
	req = httptest.NewRequest("GET", fmt.Sprintf("/api/public/poll?session_id=%s&cursor=%d", sessionID, resp.Data.Cursor), nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var again struct {
		Success bool `json:"success"`
		Data    struct {
			Events []services.Envelope `json:"events"`
			Cursor uint64              `json:"cursor"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Empty(t, again.Data.Events)
}

func TestPublicHandler_Poll_MissingSessionID(t *testing.T) {
	env := newPublicTestEnv(t)

	req := httptest.NewRequest("GET", "/api/public/poll", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicHandler_Poll_InvalidCursor(t *testing.T) {
	env := newPublicTestEnv(t)

	req := httptest.NewRequest("GET", "/api/public/poll?session_id=s1&cursor=abc", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublicHandler_GetSession(t *testing.T) {
	env := newPublicTestEnv(t)
	sessionID := joinViaHTTP(t, env)

	req := httptest.NewRequest("GET", "/api/public/sessions/"+sessionID, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, sessionID, resp.Data.ID)
}

func TestPublicHandler_GetSession_NotFound(t *testing.T) {
	env := newPublicTestEnv(t)

	req := httptest.NewRequest("GET", "/api/public/sessions/nope", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
