package models

import (
	"time"
)

// 访客会话（持久化镜像，内存状态以 dispatcher 为准）
type GuestSession struct {
	ID                string     `gorm:"primaryKey" json:"id"`
	GuestName         string     `json:"guest_name"`
	GuestEmail        string     `json:"guest_email"`
	GuestPhone        string     `json:"guest_phone"`
	Department        string     `json:"department"`
	InitialMessage    string     `gorm:"type:text" json:"initial_message"`
	CustomFields      string     `gorm:"type:text" json:"custom_fields"` // JSON 序列化的 key/value
	Priority          string     `gorm:"default:'normal';index" json:"priority"` // normal, high, urgent, vip
	Status            string     `gorm:"default:'waiting';index" json:"status"`  // waiting, active, ended, abandoned, staff_disconnected, priority_requeued
	AssignedStaffID   *string    `gorm:"index" json:"assigned_staff_id"`
	AssignedStaffName string     `json:"assigned_staff_name"`
	Rating            *int       `json:"rating"` // 1-5，结束会话时可选
	JoinedAt          time.Time  `json:"joined_at"`
	AssignedAt        *time.Time `json:"assigned_at"`
	EndedAt           *time.Time `json:"ended_at"`
	LastActivity      time.Time  `json:"last_activity"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	Messages []ChatMessage `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

// 聊天消息
type ChatMessage struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"index;not null" json:"session_id"`
	Sender     string    `json:"sender"` // guest, staff, system
	SenderName string    `json:"sender_name"`
	Body       string    `gorm:"type:text" json:"body"`
	Type       string    `gorm:"default:'text'" json:"type"`      // text, file, image, system
	Status     string    `gorm:"default:'sending'" json:"status"` // sending, sent, delivered, read
	FileName   string    `json:"file_name"`
	FileSize   int64     `json:"file_size"`
	FileMime   string    `json:"file_mime"`
	CreatedAt  time.Time `json:"created_at"`

	Session GuestSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}

// 客服档案；在线状态与工作模式只存在于内存注册表
type StaffProfile struct {
	ID                 string    `gorm:"primaryKey" json:"id"`
	Name               string    `json:"name"`
	Department         string    `json:"department"`
	MaxConcurrentChats int       `gorm:"default:3" json:"max_concurrent_chats"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// 重排记录：客服断线重排或人工提升优先级的审计
type RequeueRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	SessionID   string    `gorm:"index" json:"session_id"`
	FromStaffID string    `json:"from_staff_id"`
	Reason      string    `json:"reason"` // staff_disconnect, staff_boost
	OldPriority string    `json:"old_priority"`
	NewPriority string    `json:"new_priority"`
	RequeuedAt  time.Time `json:"requeued_at"`
}
