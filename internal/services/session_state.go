package services

import (
	"time"
)

// Priority 会话优先级；排序按 Rank 降序
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
	PriorityVIP    Priority = "vip"
)

// Rank 返回优先级权重，vip 最高
func (p Priority) Rank() int {
	switch p {
	case PriorityVIP:
		return 3
	case PriorityUrgent:
		return 2
	case PriorityHigh:
		return 1
	default:
		return 0
	}
}

// ParsePriority 解析优先级字符串；空串回落 normal，非法值返回 false
func ParsePriority(s string) (Priority, bool) {
	switch Priority(s) {
	case PriorityNormal, PriorityHigh, PriorityUrgent, PriorityVIP:
		return Priority(s), true
	case "":
		return PriorityNormal, true
	default:
		return PriorityNormal, false
	}
}

// Boosted 提升一档优先级；urgent 及以上提到 vip
func (p Priority) Boosted() Priority {
	switch p {
	case PriorityNormal:
		return PriorityHigh
	case PriorityHigh:
		return PriorityUrgent
	default:
		return PriorityVIP
	}
}

// SessionStatus 会话状态机：
// waiting --assign--> active --end--> ended
// active --staff-disconnect--> staff_disconnected --requeue--> priority_requeued（重新排队）
// waiting --guest-disconnect--> abandoned
type SessionStatus string

const (
	StatusWaiting           SessionStatus = "waiting"
	StatusActive            SessionStatus = "active"
	StatusEnded             SessionStatus = "ended"
	StatusAbandoned         SessionStatus = "abandoned"
	StatusStaffDisconnected SessionStatus = "staff_disconnected"
	StatusPriorityRequeued  SessionStatus = "priority_requeued"
)

// queueable 该状态是否属于等待队列
func (s SessionStatus) queueable() bool {
	return s == StatusWaiting || s == StatusPriorityRequeued
}

// WorkMode 客服工作模式；只有 ready 可被自动派单
type WorkMode string

const (
	ModeReady     WorkMode = "ready"
	ModeWork      WorkMode = "work"
	ModeTicketing WorkMode = "ticketing"
	ModeAway      WorkMode = "away"
)

// ParseWorkMode 解析工作模式字符串
func ParseWorkMode(s string) (WorkMode, bool) {
	switch WorkMode(s) {
	case ModeReady, ModeWork, ModeTicketing, ModeAway:
		return WorkMode(s), true
	default:
		return "", false
	}
}

// LiveSession 会话的内存态；Position/EstimatedWait 为派生字段，
// 每次队列变动后重算，仅供展示。
type LiveSession struct {
	ID                string        `json:"id"`
	Guest             GuestInfo     `json:"guest"`
	Priority          Priority      `json:"priority"`
	Status            SessionStatus `json:"status"`
	AssignedStaffID   string        `json:"assigned_staff_id,omitempty"`
	AssignedStaffName string        `json:"assigned_staff_name,omitempty"`
	Position          int           `json:"position"`
	EstimatedWait     int           `json:"estimated_wait"` // 分钟
	Rating            *int          `json:"rating,omitempty"`
	JoinedAt          time.Time     `json:"joined_at"`
	AssignedAt        *time.Time    `json:"assigned_at,omitempty"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	LastActivity      time.Time     `json:"last_activity"`
}

// StaffState 在线客服的内存注册表项
type StaffState struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Mode               WorkMode            `json:"mode"`
	MaxConcurrentChats int                 `json:"max_concurrent_chats"`
	ActiveChats        int                 `json:"active_chats"`
	Sessions           map[string]struct{} `json:"-"`
	LastActivity       time.Time           `json:"last_activity"`

	// autoWork 标记 mode=work 是容量占满自动切换的；
	// 只有这种情况才会在负载下降时自动切回 ready。
	autoWork bool
}

// eligible 是否可接收自动派单
func (s *StaffState) eligible() bool {
	return s.Mode == ModeReady && s.ActiveChats < s.MaxConcurrentChats
}
