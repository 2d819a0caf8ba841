package livedesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 客户端配置
type Config struct {
	BaseURL string // 服务端基址，如 http://localhost:8090
	Token   string // 客服身份令牌；访客留空

	// Mode 通道选择。auto 先用 ProbeTimeout 探测 WebSocket，
	// 失败则降级 HTTP 轮询；socket / polling 强制指定通道。
	Mode Mode

	ProbeTimeout      time.Duration // 默认 3s
	MaxSocketFailures int           // 连续失败多少次后永久降级轮询，默认 3
	PollInterval      time.Duration // 轮询周期，默认 2s

	Logger *logrus.Logger
}

// Client 访客侧客户端：封装通道协商、断线重连与会话恢复。
// 上层只消费 Events() 事件流，不感知底层走的是 socket 还是轮询。
type Client struct {
	cfg    Config
	logger *logrus.Logger
	events chan Event

	mu        sync.Mutex
	transport transport
	mode      Mode
	sessionID string
	failures  int // 连续 socket 失败计数
	degraded  bool
	closed    bool
}

// New 创建客户端
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeAuto
	case ModeAuto, ModeSocket, ModePolling:
	default:
		return nil, fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if cfg.MaxSocketFailures <= 0 {
		cfg.MaxSocketFailures = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		events: make(chan Event, 256),
	}, nil
}

// Connect 建立通道。auto 模式下 WebSocket 握手超时或失败即降级轮询。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.transport != nil {
		return nil
	}

	switch c.cfg.Mode {
	case ModePolling:
		c.usePollingLocked()
		return nil
	case ModeSocket:
		return c.dialSocketLocked(ctx, "")
	default: // ModeAuto
		if err := c.dialSocketLocked(ctx, ""); err != nil {
			c.logger.WithError(err).Info("WebSocket unavailable, falling back to polling")
			c.usePollingLocked()
		}
		return nil
	}
}

// Events 服务端事件流；客户端关闭时通道随之关闭
func (c *Client) Events() <-chan Event {
	return c.events
}

// ActiveMode 当前生效的通道
func (c *Client) ActiveMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SessionID 当前会话 ID；尚未加入时为空
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Join 携带访客信息加入排队；结果事件从 Events() 返回
func (c *Client) Join(ctx context.Context, guest GuestInfo, priority string) error {
	if guest.InitialMessage == "" {
		return fmt.Errorf("initial message is required")
	}
	return c.send(ctx, "join_public_chat", map[string]interface{}{
		"guest_info": guest,
		"priority":   priority,
	})
}

// Recover 恢复已有会话（断线重连或换端续聊）
func (c *Client) Recover(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	c.mu.Lock()
	c.sessionID = sessionID
	if c.transport != nil {
		c.transport.bind(sessionID)
	}
	c.mu.Unlock()
	return c.send(ctx, "recover_public_session", map[string]interface{}{
		"session_id": sessionID,
	})
}

// SendMessage 发送文本或文件消息
func (c *Client) SendMessage(ctx context.Context, body string, file *FileInfo) error {
	data := map[string]interface{}{
		"session_id": c.SessionID(),
		"message":    body,
	}
	if file != nil {
		data["type"] = "file"
		data["file_info"] = file
	}
	return c.send(ctx, "send_public_message", data)
}

// Typing 上报输入状态
func (c *Client) Typing(ctx context.Context, isTyping bool) error {
	return c.send(ctx, "guest_typing", map[string]interface{}{
		"session_id": c.SessionID(),
		"is_typing":  isTyping,
	})
}

// EndSession 结束会话；rating 可选（1-5）
func (c *Client) EndSession(ctx context.Context, rating *int) error {
	data := map[string]interface{}{
		"session_id": c.SessionID(),
	}
	if rating != nil {
		data["rating"] = *rating
	}
	return c.send(ctx, "end_public_session", data)
}

// Close 关闭客户端与事件流
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.close()
	}
	close(c.events)
	return err
}

func (c *Client) send(ctx context.Context, event string, data interface{}) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return fmt.Errorf("not connected")
	}
	return t.send(ctx, event, data)
}

// deliver 事件入流；session_created / session_recovered 顺带绑定会话
func (c *Client) deliver(ev Event) {
	if ev.Event == EventSessionCreated || ev.Event == EventSessionRecovered {
		if ev.SessionID != "" {
			c.mu.Lock()
			c.sessionID = ev.SessionID
			if c.transport != nil {
				c.transport.bind(ev.SessionID)
			}
			c.mu.Unlock()
		}
	}
	select {
	case c.events <- ev:
	default:
		// 消费方跟不上时丢最新事件，不阻塞读循环
	}
}

// dialSocketLocked 建立 socket 通道；调用方持有 c.mu
func (c *Client) dialSocketLocked(ctx context.Context, sessionID string) error {
	t, err := dialSocket(ctx, c.cfg.BaseURL, sessionID, c.cfg.Token, c.cfg.ProbeTimeout, c.deliver, c.onSocketDrop)
	if err != nil {
		return err
	}
	c.transport = t
	c.mode = ModeSocket
	c.failures = 0
	return nil
}

// usePollingLocked 切换轮询通道；调用方持有 c.mu
func (c *Client) usePollingLocked() {
	t := newPollingTransport(c.cfg.BaseURL, c.cfg.Token, c.cfg.PollInterval, c.deliver)
	c.transport = t
	c.mode = ModePolling
	if c.sessionID != "" {
		t.bind(c.sessionID)
	}
}

// onSocketDrop socket 读循环异常退出：先重连，连续失败
// 达到上限后熔断降级为轮询，本次进程内不再回升。
func (c *Client) onSocketDrop(cause error) {
	c.mu.Lock()
	if c.closed || c.degraded {
		c.mu.Unlock()
		return
	}
	c.failures++
	failures := c.failures
	sessionID := c.sessionID
	c.transport = nil
	c.mu.Unlock()

	c.logger.WithError(cause).WithField("failures", failures).Warn("WebSocket connection lost")

	if failures >= c.cfg.MaxSocketFailures && c.cfg.Mode != ModeSocket {
		c.mu.Lock()
		c.degraded = true
		c.usePollingLocked()
		c.mu.Unlock()
		c.logger.Warn("WebSocket circuit open, downgraded to polling")
		return
	}

	// 退避后重连；成功则恢复会话
	time.Sleep(time.Duration(failures) * time.Second)

	c.mu.Lock()
	if c.closed || c.transport != nil {
		c.mu.Unlock()
		return
	}
	err := c.dialSocketLocked(context.Background(), sessionID)
	c.mu.Unlock()

	if err != nil {
		c.onSocketDrop(err)
		return
	}
	if sessionID != "" {
		recoverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Recover(recoverCtx, sessionID); err != nil {
			c.logger.WithError(err).Warn("Session recovery request failed after reconnect")
		}
	}
}

// RawSend 透传任意事件（客服端扩展事件用）
func (c *Client) RawSend(ctx context.Context, event string, data json.RawMessage) error {
	return c.send(ctx, event, data)
}
