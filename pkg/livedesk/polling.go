package livedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseSize = 10 * 1024 * 1024

// pollingTransport HTTP 轮询通道：事件经 POST 提交，
// 出站事件流按游标增量拉取。WebSocket 不可用时的降级通道。
type pollingTransport struct {
	baseURL    string
	token      string
	interval   time.Duration
	httpClient *http.Client
	deliver    func(Event)

	mu        sync.Mutex
	sessionID string
	cursor    uint64
	cancel    context.CancelFunc
	closed    bool
}

func newPollingTransport(baseURL, token string, interval time.Duration, deliver func(Event)) *pollingTransport {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &pollingTransport{
		baseURL:  baseURL,
		token:    token,
		interval: interval,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		deliver: deliver,
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type pollResult struct {
	Events []Event `json:"events"`
	Cursor uint64  `json:"cursor"`
}

// send 提交事件；服务端的直接回复注入事件流
func (t *pollingTransport) send(ctx context.Context, event string, data interface{}) error {
	t.mu.Lock()
	sessionID := t.sessionID
	t.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"event":      event,
		"data":       data,
		"session_id": sessionID,
	})
	if err != nil {
		return err
	}

	raw, err := t.do(ctx, http.MethodPost, "/api/public/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	var replies []Event
	if err := json.Unmarshal(raw, &replies); err != nil {
		return fmt.Errorf("decode event replies: %w", err)
	}
	for _, ev := range replies {
		t.deliver(ev)
	}
	return nil
}

// bind 绑定会话并启动轮询循环
func (t *pollingTransport) bind(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || sessionID == "" || t.sessionID == sessionID {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.sessionID = sessionID
	t.cursor = 0
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.pollLoop(ctx, sessionID)
}

func (t *pollingTransport) pollLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx, sessionID)
		}
	}
}

func (t *pollingTransport) pollOnce(ctx context.Context, sessionID string) {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	path := "/api/public/poll?session_id=" + url.QueryEscape(sessionID) +
		"&cursor=" + strconv.FormatUint(cursor, 10)
	raw, err := t.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return // 轮询失败静默重试，下个周期再来
	}
	var result pollResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}
	t.mu.Lock()
	t.cursor = result.Cursor
	t.mu.Unlock()
	for _, ev := range result.Events {
		t.deliver(ev)
	}
}

func (t *pollingTransport) do(ctx context.Context, method, path string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("http %d: invalid response body", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !api.Success {
		msg := api.Error
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("request failed: %s", msg)
	}
	return api.Data, nil
}

func (t *pollingTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}
