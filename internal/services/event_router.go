package services

import (
	"time"

	"livedesk/internal/metrics"
	"livedesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Origin 一次入站事件的来源连接信息
type Origin struct {
	Role      string // guest, staff
	SessionID string // guest 连接已绑定的会话（可为空）
	StaffID   string
	StaffName string

	// Bind 把来源连接绑到会话（可为 nil）。加入和恢复在发出任何
	// 房间广播前调用它，保证连接不会错过紧随其后的会话事件。
	Bind func(sessionID string)
}

func (o Origin) bind(sessionID string) {
	if o.Bind != nil {
		o.Bind(sessionID)
	}
}

// EventRouter 类型化事件的分发器：校验来源与会话状态，
// 调派单器执行状态变更，返回应回给发起连接的事件序列。
// WebSocket 和 HTTP 轮询两条通道共用同一个路由器。
type EventRouter struct {
	dispatcher *Dispatcher
	store      *PersistenceService // 可选
	notifier   Notifier
	logger     *logrus.Logger
}

// NewEventRouter 创建路由器
func NewEventRouter(dispatcher *Dispatcher, notifier Notifier, logger *logrus.Logger) *EventRouter {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventRouter{
		dispatcher: dispatcher,
		notifier:   notifier,
		logger:     logger,
	}
}

// SetPersistence 注入可选的持久化服务（恢复与消息落盘用）
func (r *EventRouter) SetPersistence(store *PersistenceService) {
	r.store = store
}

// Process 处理一条入站事件，返回发起连接应收到的直接回复。
// 入站集合是封闭的，switch 按类型穷举；Decode 之外不会出现未知事件。
func (r *EventRouter) Process(origin Origin, ev InboundEvent) []Envelope {
	metrics.IncEventProcessed()

	switch e := ev.(type) {
	case *JoinPublicChat:
		return r.handleJoin(origin, e)
	case *RecoverPublicSession:
		return r.handleRecover(origin, e)
	case *SendPublicMessage:
		return r.handleSendMessage(origin, e)
	case *GuestTyping:
		return r.handleGuestTyping(origin, e)
	case *StaffTyping:
		return r.handleStaffTyping(origin, e)
	case *StaffClaimSession:
		return r.handleClaim(origin, e)
	case *StaffSetWorkMode:
		return r.handleSetWorkMode(origin, e)
	case *StaffBoostPriority:
		return r.handleBoost(origin, e)
	case *EndPublicSession:
		return r.handleEnd(origin, e)
	default:
		r.logger.Warnf("Unhandled inbound event type: %T", ev)
		return []Envelope{ErrorEnvelope(origin.SessionID, "unsupported event")}
	}
}

// StaffConnected 客服连接建立后的注册入口
func (r *EventRouter) StaffConnected(staffID, name string, maxChats int) {
	r.dispatcher.StaffConnect(staffID, name, maxChats)
}

// StaffDisconnected 客服全部连接断开
func (r *EventRouter) StaffDisconnected(staffID string) {
	r.dispatcher.StaffDisconnect(staffID)
}

// GuestDisconnected 访客连接断开
func (r *EventRouter) GuestDisconnected(sessionID string) {
	r.dispatcher.GuestDisconnect(sessionID)
}

func (r *EventRouter) handleJoin(origin Origin, e *JoinPublicChat) []Envelope {
	sess, direct, err := r.dispatcher.Join(e.GuestInfo, e.Priority, origin.Bind)
	if err != nil {
		return []Envelope{ErrorEnvelope("", err.Error())}
	}
	// 初始消息作为首条聊天记录落盘
	if r.store != nil && sess.Guest.InitialMessage != "" {
		r.store.SaveMessageAsync(models.ChatMessage{
			ID:         uuid.NewString(),
			SessionID:  sess.ID,
			Sender:     RoleGuest,
			SenderName: sess.Guest.Name,
			Body:       sess.Guest.InitialMessage,
			Type:       "text",
			Status:     "sent",
			CreatedAt:  sess.JoinedAt,
		})
	}
	return direct
}

// handleRecover 断线恢复：内存命中直接返回，未命中走持久化重建
func (r *EventRouter) handleRecover(origin Origin, e *RecoverPublicSession) []Envelope {
	if e.SessionID == "" {
		return []Envelope{NewEnvelope(EvtSessionRecoveryFailed, "", RecoveryFailedData{Reason: "session_id is required"})}
	}

	if sess, ok := r.dispatcher.GetSession(e.SessionID); ok {
		origin.bind(sess.ID)
		env := r.recoveredEnvelope(sess)
		// 内存命中同样要带上历史消息，否则重连方只剩空白会话
		if r.store != nil {
			if messages, err := r.store.LoadMessages(e.SessionID, 0); err == nil {
				if data, ok := env.Data.(SessionRecoveredData); ok {
					data.Messages = messagesToData(messages)
					env.Data = data
				}
			} else {
				r.logger.WithError(err).WithField("session_id", e.SessionID).Warn("Failed to load message history on recovery")
			}
		}
		return []Envelope{env}
	}

	if r.store == nil {
		return []Envelope{NewEnvelope(EvtSessionRecoveryFailed, "", RecoveryFailedData{Reason: "session not found"})}
	}
	m, err := r.store.LoadSession(e.SessionID)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", e.SessionID).Info("Session recovery failed")
		return []Envelope{NewEnvelope(EvtSessionRecoveryFailed, "", RecoveryFailedData{Reason: "session not found"})}
	}
	if SessionStatus(m.Status) == StatusEnded || SessionStatus(m.Status) == StatusAbandoned {
		return []Envelope{NewEnvelope(EvtSessionRecoveryFailed, "", RecoveryFailedData{Reason: "session already ended"})}
	}

	origin.bind(m.ID)
	sess := r.dispatcher.Rehydrate(m)
	env := r.recoveredEnvelope(sess)
	if data, ok := env.Data.(SessionRecoveredData); ok {
		data.Messages = messagesToData(m.Messages)
		env.Data = data
	}
	r.logger.WithField("session_id", sess.ID).Info("Session recovered from persistence")
	return []Envelope{env}
}

func (r *EventRouter) recoveredEnvelope(sess *LiveSession) Envelope {
	return NewEnvelope(EvtSessionRecovered, sess.ID, SessionRecoveredData{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Position:  sess.Position,
		Messages:  []MessageReceivedData{},
	})
}

// handleSendMessage 会话内消息：校验会话存在后广播并落盘。
// 未知会话直接报错，不落任何持久化。
func (r *EventRouter) handleSendMessage(origin Origin, e *SendPublicMessage) []Envelope {
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = origin.SessionID
	}
	sess, ok := r.dispatcher.GetSession(sessionID)
	if !ok {
		return []Envelope{ErrorEnvelope(sessionID, "session not found")}
	}
	if sess.Status == StatusEnded || sess.Status == StatusAbandoned {
		return []Envelope{ErrorEnvelope(sessionID, "session already ended")}
	}
	if e.Message == "" && e.FileInfo == nil {
		return []Envelope{ErrorEnvelope(sessionID, "message is empty")}
	}

	msgType := e.Type
	if msgType == "" {
		msgType = "text"
	}
	sender := origin.Role
	senderName := sess.Guest.Name
	if origin.Role == RoleStaff {
		senderName = origin.StaffName
	}

	now := time.Now()
	msg := MessageReceivedData{
		MessageID:  uuid.NewString(),
		SessionID:  sessionID,
		Sender:     sender,
		SenderName: senderName,
		Body:       e.Message,
		Type:       msgType,
		Status:     "sent",
		FileInfo:   e.FileInfo,
		SentAt:     now,
	}

	r.dispatcher.Touch(sessionID)
	r.notifier.ToSession(sessionID, NewEnvelope(EvtMessageReceived, sessionID, msg))
	r.notifier.ToStaffRoom(NewEnvelope(EvtMessageReceived, sessionID, msg))

	if r.store != nil {
		record := models.ChatMessage{
			ID:         msg.MessageID,
			SessionID:  sessionID,
			Sender:     sender,
			SenderName: senderName,
			Body:       e.Message,
			Type:       msgType,
			Status:     "sent",
			CreatedAt:  now,
		}
		if e.FileInfo != nil {
			record.FileName = e.FileInfo.Name
			record.FileSize = e.FileInfo.Size
			record.FileMime = e.FileInfo.Mime
		}
		r.store.SaveMessageAsync(record)
		// 状态只前进不回退：sending -> sent -> delivered
		r.store.UpdateMessageStatusAsync(msg.MessageID, "delivered")
	}

	return []Envelope{NewEnvelope(EvtMessageStatusUpdated, sessionID, MessageStatusData{
		MessageID: msg.MessageID,
		Status:    "delivered",
	})}
}

func (r *EventRouter) handleGuestTyping(origin Origin, e *GuestTyping) []Envelope {
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = origin.SessionID
	}
	if _, ok := r.dispatcher.GetSession(sessionID); !ok {
		return nil // 输入状态是瞬态信号，无效会话静默丢弃
	}
	r.dispatcher.Touch(sessionID)
	r.notifier.ToStaffRoom(NewEnvelope(EvtTypingIndicator, sessionID, TypingIndicatorData{
		SessionID: sessionID,
		From:      RoleGuest,
		IsTyping:  e.IsTyping,
	}))
	return nil
}

func (r *EventRouter) handleStaffTyping(origin Origin, e *StaffTyping) []Envelope {
	if _, ok := r.dispatcher.GetSession(e.SessionID); !ok {
		return nil
	}
	name := e.StaffName
	if name == "" {
		name = origin.StaffName
	}
	r.notifier.ToSession(e.SessionID, NewEnvelope(EvtTypingIndicator, e.SessionID, TypingIndicatorData{
		SessionID: e.SessionID,
		From:      RoleStaff,
		StaffName: name,
		IsTyping:  e.IsTyping,
	}))
	return nil
}

func (r *EventRouter) handleClaim(origin Origin, e *StaffClaimSession) []Envelope {
	if origin.Role != RoleStaff {
		return []Envelope{ErrorEnvelope(e.SessionID, "staff role required")}
	}
	staffID := e.StaffID
	if staffID == "" {
		staffID = origin.StaffID
	}
	staffName := e.StaffName
	if staffName == "" {
		staffName = origin.StaffName
	}
	if err := r.dispatcher.ClaimSession(e.SessionID, staffID, staffName); err != nil {
		return []Envelope{ErrorEnvelope(e.SessionID, err.Error())}
	}
	return nil
}

func (r *EventRouter) handleSetWorkMode(origin Origin, e *StaffSetWorkMode) []Envelope {
	if origin.Role != RoleStaff {
		return []Envelope{ErrorEnvelope("", "staff role required")}
	}
	staffID := e.StaffID
	if staffID == "" {
		staffID = origin.StaffID
	}
	if err := r.dispatcher.SetWorkMode(staffID, e.Mode); err != nil {
		return []Envelope{ErrorEnvelope("", err.Error())}
	}
	return nil
}

func (r *EventRouter) handleBoost(origin Origin, e *StaffBoostPriority) []Envelope {
	if origin.Role != RoleStaff {
		return []Envelope{ErrorEnvelope(e.SessionID, "staff role required")}
	}
	if err := r.dispatcher.BoostPriority(e.SessionID, e.Reason); err != nil {
		return []Envelope{ErrorEnvelope(e.SessionID, err.Error())}
	}
	return nil
}

// handleEnd 双方都可以结束会话；幂等
func (r *EventRouter) handleEnd(origin Origin, e *EndPublicSession) []Envelope {
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = origin.SessionID
	}
	if sessionID == "" {
		return []Envelope{ErrorEnvelope("", "session_id is required")}
	}
	r.dispatcher.EndSession(sessionID, e.Rating)
	return nil
}

func messagesToData(messages []models.ChatMessage) []MessageReceivedData {
	out := make([]MessageReceivedData, 0, len(messages))
	for _, m := range messages {
		data := MessageReceivedData{
			MessageID:  m.ID,
			SessionID:  m.SessionID,
			Sender:     m.Sender,
			SenderName: m.SenderName,
			Body:       m.Body,
			Type:       m.Type,
			Status:     m.Status,
			SentAt:     m.CreatedAt,
		}
		if m.FileName != "" {
			data.FileInfo = &FileInfo{Name: m.FileName, Size: m.FileSize, Mime: m.FileMime}
		}
		out = append(out, data)
	}
	return out
}
