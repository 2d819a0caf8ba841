package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"livedesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// InboundFrame 入站帧的外层结构；data 延迟解码
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

const (
	RoleGuest = "guest"
	RoleStaff = "staff"
)

// WebSocketClient 一条活跃连接
type WebSocketClient struct {
	ID        string
	Role      string
	SessionID string // guest 连接绑定的会话；加入或恢复成功后填充
	StaffID   string
	StaffName string
	Conn      *websocket.Conn
	Send      chan Envelope
	Hub       *WebSocketHub

	mu sync.Mutex // 保护 SessionID 的重绑定
}

// WebSocketHub 连接路由：会话房间（访客连接按会话分组）加一个客服房间。
// 出站事件同时落轮询缓冲，保证轮询客户端看到同一事件流。
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	outbound   chan targetedEnvelope

	router *EventRouter
	polls  *PollBuffer
	logger *logrus.Logger

	mu sync.RWMutex // 保护 clients 的只读访问（计数等）
}

type targetedEnvelope struct {
	sessionID string // 空表示客服房间
	env       Envelope
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebSocketHub 创建 hub
func NewWebSocketHub(polls *PollBuffer, logger *logrus.Logger) *WebSocketHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		outbound:   make(chan targetedEnvelope, 512),
		polls:      polls,
		logger:     logger,
	}
}

// SetRouter 注入事件路由器（hub 与 router 互相持有，启动时接线）
func (h *WebSocketHub) SetRouter(router *EventRouter) {
	h.router = router
}

// Run 事件循环；负责注册、注销和房间投递
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			if ok {
				h.handleDisconnect(client)
			}

		case t := <-h.outbound:
			h.deliver(t)
		}
	}
}

func (h *WebSocketHub) deliver(t targetedEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if t.sessionID == "" {
			if client.Role != RoleStaff {
				continue
			}
		} else if client.Role != RoleGuest || client.boundSession() != t.sessionID {
			continue
		}
		select {
		case client.Send <- t.env:
		default:
			// 慢消费者：丢帧，轮询缓冲仍有完整事件流兜底
			metrics.IncDroppedSend()
		}
	}
}

// ToSession 实现 Notifier：投给会话房间并落轮询缓冲
func (h *WebSocketHub) ToSession(sessionID string, env Envelope) {
	if h.polls != nil {
		h.polls.Append(sessionID, env)
	}
	select {
	case h.outbound <- targetedEnvelope{sessionID: sessionID, env: env}:
	default:
		h.logger.Warn("Outbound channel full, session event dropped from sockets")
	}
}

// ToStaffRoom 实现 Notifier：广播给所有客服连接
func (h *WebSocketHub) ToStaffRoom(env Envelope) {
	select {
	case h.outbound <- targetedEnvelope{env: env}:
	default:
		h.logger.Warn("Outbound channel full, staff event dropped from sockets")
	}
}

// HandleGuestWS 访客 WebSocket 入口
func (h *WebSocketHub) HandleGuestWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}
	client := &WebSocketClient{
		ID:        fmt.Sprintf("guest_%d", time.Now().UnixNano()),
		Role:      RoleGuest,
		SessionID: c.Query("session_id"),
		Conn:      conn,
		Send:      make(chan Envelope, 256),
		Hub:       h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// HandleStaffWS 客服 WebSocket 入口；身份由认证中间件写入 context
func (h *WebSocketHub) HandleStaffWS(c *gin.Context) {
	staffID := c.GetString("user_id")
	staffName := c.GetString("username")
	if staffID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "staff identity required"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}
	maxChats, _ := strconv.Atoi(c.Query("max_chats"))
	client := &WebSocketClient{
		ID:        fmt.Sprintf("staff_%d", time.Now().UnixNano()),
		Role:      RoleStaff,
		StaffID:   staffID,
		StaffName: staffName,
		Conn:      conn,
		Send:      make(chan Envelope, 256),
		Hub:       h,
	}
	h.register <- client
	go client.writePump()
	go client.readPump()

	if h.router != nil {
		h.router.StaffConnected(staffID, staffName, maxChats)
	}
}

// handleDisconnect 连接断开后的状态收敛
func (h *WebSocketHub) handleDisconnect(client *WebSocketClient) {
	if h.router == nil {
		return
	}
	switch client.Role {
	case RoleStaff:
		// 同一客服可能多开；全部下线才算断线
		if !h.hasStaffConnection(client.StaffID) {
			h.router.StaffDisconnected(client.StaffID)
		}
	case RoleGuest:
		sessionID := client.boundSession()
		if sessionID != "" && !h.hasGuestConnection(sessionID) {
			h.router.GuestDisconnected(sessionID)
		}
	}
}

func (h *WebSocketHub) hasStaffConnection(staffID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.Role == RoleStaff && client.StaffID == staffID {
			return true
		}
	}
	return false
}

func (h *WebSocketHub) hasGuestConnection(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.Role == RoleGuest && client.boundSession() == sessionID {
			return true
		}
	}
	return false
}

// GetClientCount 当前连接数
func (h *WebSocketHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *WebSocketClient) boundSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SessionID
}

func (c *WebSocketClient) bindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SessionID = sessionID
}

func (c *WebSocketClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(64 * 1024)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.WithError(err).Error("WebSocket read error")
			}
			break
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.send(ErrorEnvelope(c.boundSession(), "invalid message format"))
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame 解码并交给路由器处理，直接回复发回本连接
func (c *WebSocketClient) handleFrame(frame InboundFrame) {
	if c.Hub.router == nil {
		return
	}
	ev, err := DecodeInbound(frame.Event, frame.Data)
	if err != nil {
		c.send(ErrorEnvelope(c.boundSession(), err.Error()))
		return
	}
	origin := Origin{
		Role:      c.Role,
		SessionID: c.boundSession(),
		StaffID:   c.StaffID,
		StaffName: c.StaffName,
	}
	if c.Role == RoleGuest {
		// 路由器在发出任何房间广播前回调绑定，立即派单的
		// staff_assigned 才不会因为连接尚未入房而丢失
		origin.Bind = c.bindSession
	}
	for _, env := range c.Hub.router.Process(origin, ev) {
		c.send(env)
	}
}

func (c *WebSocketClient) send(env Envelope) {
	select {
	case c.Send <- env:
	default:
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(env); err != nil {
				c.Hub.logger.WithError(err).Error("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
