package livedesk

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event 服务端出站事件
type Event struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode 把事件负载解码到目标结构
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	return json.Unmarshal(e.Data, v)
}

// 服务端事件名
const (
	EventSessionCreated        = "session_created"
	EventQueueJoined           = "queue_joined"
	EventQueuePositionUpdated  = "queue_position_updated"
	EventStaffAssigned         = "staff_assigned"
	EventStaffDisconnected     = "staff_disconnected"
	EventMessageReceived       = "message_received"
	EventMessageStatusUpdated  = "message_status_updated"
	EventTypingIndicator       = "typing_indicator"
	EventSessionRecovered      = "session_recovered"
	EventSessionRecoveryFailed = "session_recovery_failed"
	EventSessionEnded          = "session_ended"
	EventError                 = "error"
)

// GuestInfo 加入排队时的访客信息；InitialMessage 必填
type GuestInfo struct {
	Name           string            `json:"name"`
	Email          string            `json:"email,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Department     string            `json:"department,omitempty"`
	InitialMessage string            `json:"initial_message"`
	CustomFields   map[string]string `json:"custom_fields,omitempty"`
}

// FileInfo 文件/图片消息的元数据
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// QueueJoinedData queue_joined / queue_position_updated 的负载
type QueueJoinedData struct {
	Position             int `json:"position"`
	EstimatedWaitMinutes int `json:"estimated_wait"`
}

// StaffAssignedData staff_assigned 的负载
type StaffAssignedData struct {
	StaffID    string    `json:"staff_id"`
	StaffName  string    `json:"staff_name"`
	AssignedAt time.Time `json:"assigned_at"`
}

// MessageData message_received 的负载
type MessageData struct {
	MessageID  string    `json:"message_id"`
	SessionID  string    `json:"session_id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	FileInfo   *FileInfo `json:"file_info,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// SessionRecoveredData session_recovered 的负载
type SessionRecoveredData struct {
	SessionID string        `json:"session_id"`
	Status    string        `json:"status"`
	Position  int           `json:"position,omitempty"`
	Messages  []MessageData `json:"messages"`
}
