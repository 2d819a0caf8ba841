package services

import (
	"encoding/json"
	"fmt"
	"time"
)

// 入站事件名（访客或客服 → 服务端）
const (
	EvtJoinPublicChat       = "join_public_chat"
	EvtRecoverPublicSession = "recover_public_session"
	EvtSendPublicMessage    = "send_public_message"
	EvtGuestTyping          = "guest_typing"
	EvtStaffTyping          = "staff_typing"
	EvtStaffClaimSession    = "staff_claim_session"
	EvtStaffSetWorkMode     = "staff_set_work_mode"
	EvtStaffBoostPriority   = "staff_boost_priority"
	EvtEndPublicSession     = "end_public_session"
)

// 出站事件名（服务端 → 连接或房间）
const (
	EvtSessionCreated        = "session_created"
	EvtQueueJoined           = "queue_joined"
	EvtQueuePositionUpdated  = "queue_position_updated"
	EvtGuestJoinedQueue      = "guest_joined_queue"
	EvtStaffAssigned         = "staff_assigned"
	EvtStaffDisconnected     = "staff_disconnected"
	EvtMessageReceived       = "message_received"
	EvtMessageStatusUpdated  = "message_status_updated"
	EvtTypingIndicator       = "typing_indicator"
	EvtSessionRecovered      = "session_recovered"
	EvtSessionRecoveryFailed = "session_recovery_failed"
	EvtQueueStatusUpdated    = "queue_status_updated"
	EvtAutoAssignment        = "auto_assignment"
	EvtSessionClaimed        = "session_claimed"
	EvtSessionEnded          = "session_ended"
	EvtError                 = "error"
)

// GuestInfo 访客加入时携带的信息；InitialMessage 为必填
type GuestInfo struct {
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Phone          string            `json:"phone"`
	Department     string            `json:"department"`
	InitialMessage string            `json:"initial_message"`
	CustomFields   map[string]string `json:"custom_fields"`
}

// FileInfo 文件/图片消息的元数据
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// InboundEvent 入站事件的封闭集合；DecodeInbound 是唯一的构造入口，
// 未知事件名在解码处拒绝，后续分发用类型 switch 穷举。
type InboundEvent interface {
	eventName() string
}

type JoinPublicChat struct {
	GuestInfo GuestInfo `json:"guest_info"`
	Priority  string    `json:"priority"`
}

type RecoverPublicSession struct {
	SessionID string `json:"session_id"`
}

type SendPublicMessage struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	FileInfo  *FileInfo `json:"file_info"`
}

type GuestTyping struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

type StaffTyping struct {
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
	StaffName string `json:"staff_name"`
}

type StaffClaimSession struct {
	SessionID string `json:"session_id"`
	StaffID   string `json:"staff_id"`
	StaffName string `json:"staff_name"`
}

type StaffSetWorkMode struct {
	StaffID string `json:"staff_id"`
	Mode    string `json:"mode"`
}

type StaffBoostPriority struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

type EndPublicSession struct {
	SessionID string `json:"session_id"`
	Rating    *int   `json:"rating"`
}

func (JoinPublicChat) eventName() string       { return EvtJoinPublicChat }
func (RecoverPublicSession) eventName() string { return EvtRecoverPublicSession }
func (SendPublicMessage) eventName() string    { return EvtSendPublicMessage }
func (GuestTyping) eventName() string          { return EvtGuestTyping }
func (StaffTyping) eventName() string          { return EvtStaffTyping }
func (StaffClaimSession) eventName() string    { return EvtStaffClaimSession }
func (StaffSetWorkMode) eventName() string     { return EvtStaffSetWorkMode }
func (StaffBoostPriority) eventName() string   { return EvtStaffBoostPriority }
func (EndPublicSession) eventName() string     { return EvtEndPublicSession }

// DecodeInbound 将事件名+负载解码为类型化事件；未知事件名返回错误
func DecodeInbound(event string, data json.RawMessage) (InboundEvent, error) {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	var ev InboundEvent
	switch event {
	case EvtJoinPublicChat:
		ev = &JoinPublicChat{}
	case EvtRecoverPublicSession:
		ev = &RecoverPublicSession{}
	case EvtSendPublicMessage:
		ev = &SendPublicMessage{}
	case EvtGuestTyping:
		ev = &GuestTyping{}
	case EvtStaffTyping:
		ev = &StaffTyping{}
	case EvtStaffClaimSession:
		ev = &StaffClaimSession{}
	case EvtStaffSetWorkMode:
		ev = &StaffSetWorkMode{}
	case EvtStaffBoostPriority:
		ev = &StaffBoostPriority{}
	case EvtEndPublicSession:
		ev = &EndPublicSession{}
	default:
		return nil, fmt.Errorf("unknown event: %s", event)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", event, err)
	}
	return ev, nil
}

// Envelope 出站事件的统一信封
type Envelope struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEnvelope 构建出站信封并盖时间戳
func NewEnvelope(event, sessionID string, data interface{}) Envelope {
	return Envelope{
		Event:     event,
		Data:      data,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// 出站事件负载

type SessionCreatedData struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type QueueJoinedData struct {
	Position             int `json:"position"`
	EstimatedWaitMinutes int `json:"estimated_wait"`
}

type StaffAssignedData struct {
	StaffID    string    `json:"staff_id"`
	StaffName  string    `json:"staff_name"`
	AssignedAt time.Time `json:"assigned_at"`
}

type StaffDisconnectedData struct {
	SessionID string `json:"session_id"`
	Requeued  bool   `json:"requeued"`
	Priority  string `json:"priority"`
}

type MessageReceivedData struct {
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

type MessageStatusData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type TypingIndicatorData struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"` // guest, staff
	StaffName string `json:"staff_name,omitempty"`
	IsTyping  bool   `json:"is_typing"`
}

type SessionRecoveredData struct {
	SessionID string                `json:"session_id"`
	Status    string                `json:"status"`
	Position  int                   `json:"position,omitempty"`
	Messages  []MessageReceivedData `json:"messages"`
}

type RecoveryFailedData struct {
	Reason string `json:"reason"`
}

type QueueEntry struct {
	SessionID            string    `json:"session_id"`
	GuestName            string    `json:"guest_name"`
	Department           string    `json:"department"`
	Priority             string    `json:"priority"`
	Status               string    `json:"status"`
	Position             int       `json:"position"`
	EstimatedWaitMinutes int       `json:"estimated_wait"`
	JoinedAt             time.Time `json:"joined_at"`
}

type QueueStatusData struct {
	Waiting    []QueueEntry `json:"waiting"`
	ReadyStaff int          `json:"ready_staff"`
}

type AssignmentData struct {
	SessionID string `json:"session_id"`
	StaffID   string `json:"staff_id"`
	StaffName string `json:"staff_name"`
	GuestName string `json:"guest_name"`
	Priority  string `json:"priority"`
}

type SessionEndedData struct {
	SessionID string `json:"session_id"`
	Rating    *int   `json:"rating,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// ErrorEnvelope 校验失败时回给发起连接的错误事件
func ErrorEnvelope(sessionID, message string) Envelope {
	return NewEnvelope(EvtError, sessionID, ErrorData{Message: message})
}
