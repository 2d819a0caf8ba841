package livedesk

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socketTransport WebSocket 通道
type socketTransport struct {
	conn    *websocket.Conn
	deliver func(Event)
	onDrop  func(err error) // 读循环退出时回调，由客户端决定重连或降级

	mu     sync.Mutex // 串行化写
	closed bool
	done   chan struct{}
}

// dialSocket 建立 WebSocket 连接；probeTimeout 约束握手耗时
func dialSocket(ctx context.Context, baseURL, sessionID, token string, probeTimeout time.Duration, deliver func(Event), onDrop func(error)) (*socketTransport, error) {
	wsURL, err := websocketURL(baseURL, sessionID, token)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if probeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, probeTimeout)
		defer cancel()
	}

	dialer := websocket.Dialer{HandshakeTimeout: probeTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t := &socketTransport{
		conn:    conn,
		deliver: deliver,
		onDrop:  onDrop,
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// websocketURL http(s) 基址转 ws(s) 端点
func websocketURL(baseURL, sessionID, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *socketTransport) readLoop() {
	defer close(t.done)
	for {
		var ev Event
		if err := t.conn.ReadJSON(&ev); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed && t.onDrop != nil {
				t.onDrop(err)
			}
			return
		}
		t.deliver(ev)
	}
}

func (t *socketTransport) send(ctx context.Context, event string, data interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("socket transport is closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := t.conn.WriteJSON(outboundFrame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

func (t *socketTransport) bind(string) {}

func (t *socketTransport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := t.conn.Close()
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}
	return err
}
