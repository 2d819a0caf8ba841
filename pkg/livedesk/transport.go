package livedesk

import "context"

// Mode 传输通道
type Mode string

const (
	ModeAuto    Mode = "auto"    // 先探测 WebSocket，失败降级轮询
	ModeSocket  Mode = "socket"  // 仅 WebSocket
	ModePolling Mode = "polling" // 仅 HTTP 轮询
)

// outboundFrame 客户端发往服务端的帧
type outboundFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// transport 底层通道抽象。两种实现共享同一事件语义：
// 所有服务端事件（包括对 send 的直接回复）都经由 deliver 回调
// 推到客户端的事件流，上层不感知通道差异。
type transport interface {
	// send 提交一条事件
	send(ctx context.Context, event string, data interface{}) error
	// bind 通道开始跟踪指定会话（轮询需要，socket 为 no-op）
	bind(sessionID string)
	// close 停止通道
	close() error
}
