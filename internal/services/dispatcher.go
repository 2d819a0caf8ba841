package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/metrics"
	"livedesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notifier 出站通知的抽象；由 WebSocketHub 实现，测试中可替换为记录器
type Notifier interface {
	ToSession(sessionID string, env Envelope)
	ToStaffRoom(env Envelope)
}

// Dispatcher 派单核心：会话表、等待队列、客服注册表三份共享状态
// 由同一把锁保护，所有变更都经由这里（对应原实现的单线程事件循环）。
type Dispatcher struct {
	cfg      config.DispatchConfig
	logger   *logrus.Logger
	notifier Notifier
	store    *PersistenceService // 可选：未注入时仅保留内存态
	audit    *AuditProducer      // 可选：未注入时不产生审计事件
	polls    *PollBuffer         // 可选：会话逐出时顺带清掉轮询缓冲

	mu           sync.Mutex
	sessions     map[string]*LiveSession
	queue        []*LiveSession
	staff        map[string]*StaffState
	pendingAudit []auditEntry
}

// auditEntry 锁内积累的审计载荷，释放锁后统一投递
type auditEntry struct {
	event  string
	fields map[string]interface{}
}

// NewDispatcher 创建派单器
func NewDispatcher(cfg config.DispatchConfig, logger *logrus.Logger, notifier Notifier) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DefaultMaxConcurrentChats <= 0 {
		cfg.DefaultMaxConcurrentChats = 3
	}
	if cfg.AvgSessionMinutes <= 0 {
		cfg.AvgSessionMinutes = 8
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = 1 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		notifier: notifier,
		sessions: make(map[string]*LiveSession),
		queue:    make([]*LiveSession, 0),
		staff:    make(map[string]*StaffState),
	}
}

// SetPersistence 注入可选的持久化服务
func (d *Dispatcher) SetPersistence(store *PersistenceService) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.store = store
}

// SetAudit 注入可选的审计事件生产者
func (d *Dispatcher) SetAudit(audit *AuditProducer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audit = audit
}

// SetPollBuffer 注入轮询缓冲；会话逐出内存时同步清掉其滞留事件
func (d *Dispatcher) SetPollBuffer(polls *PollBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polls = polls
}

// Start 启动过期会话清扫循环；ctx 取消时退出。
// 轮询缓冲随同一个节拍清扫，闲置会话的滞留事件不会无限膨胀。
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	polls := d.polls
	d.mu.Unlock()
	go func() {
		ticker := time.NewTicker(d.cfg.StaleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweepStale()
				if polls != nil {
					polls.Sweep(d.cfg.StaleThreshold)
				}
			}
		}
	}()
}

// Join 创建会话并入队，随即尝试一次派单。
// 返回应回给发起连接的事件（session_created + queue_joined 或 staff_assigned）。
// onCreated 在任何房间广播发出前携新会话 ID 回调（可为 nil），
// 调用方用它把发起连接先绑到会话，避免立即派单的 staff_assigned 漏投；
// 回调在派单器锁内执行，不得再调用派单器。
func (d *Dispatcher) Join(guest GuestInfo, priority string, onCreated func(sessionID string)) (*LiveSession, []Envelope, error) {
	if guest.InitialMessage == "" {
		return nil, nil, fmt.Errorf("initial message is required")
	}
	prio, ok := ParsePriority(priority)
	if !ok {
		return nil, nil, fmt.Errorf("invalid priority: %s", priority)
	}

	d.mu.Lock()
	defer d.flushAuditUnlock()

	now := time.Now()
	sess := &LiveSession{
		ID:           uuid.NewString(),
		Guest:        guest,
		Priority:     prio,
		Status:       StatusWaiting,
		JoinedAt:     now,
		LastActivity: now,
	}
	d.sessions[sess.ID] = sess
	d.queue = append(d.queue, sess)
	if onCreated != nil {
		onCreated(sess.ID)
	}
	d.recomputeQueueLocked()

	direct := []Envelope{
		NewEnvelope(EvtSessionCreated, sess.ID, SessionCreatedData{
			SessionID: sess.ID,
			Status:    string(sess.Status),
		}),
		NewEnvelope(EvtQueueJoined, sess.ID, QueueJoinedData{
			Position:             sess.Position,
			EstimatedWaitMinutes: sess.EstimatedWait,
		}),
	}

	d.notifyStaff(NewEnvelope(EvtGuestJoinedQueue, sess.ID, d.queueEntryLocked(sess)))
	d.broadcastQueueStatusLocked()
	d.persistSessionLocked(sess)
	d.emitAuditLocked("session_joined", sess, "")

	d.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"priority":   sess.Priority,
		"position":   sess.Position,
	}).Info("Guest joined queue")

	d.attemptAutoAssignmentLocked()
	return d.snapshotLocked(sess), direct, nil
}

// ClaimSession 客服显式认领等待中的会话
func (d *Dispatcher) ClaimSession(sessionID, staffID, staffName string) error {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	sess, ok := d.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if sess.AssignedStaffID != "" || sess.Status == StatusActive {
		return fmt.Errorf("session already assigned")
	}
	if !sess.Status.queueable() {
		return fmt.Errorf("session is not waiting (status=%s)", sess.Status)
	}
	st, ok := d.staff[staffID]
	if !ok {
		return fmt.Errorf("staff not connected: %s", staffID)
	}
	if staffName != "" {
		st.Name = staffName
	}
	if st.Mode != ModeReady {
		return fmt.Errorf("staff %s is not ready (mode=%s)", staffID, st.Mode)
	}
	if st.ActiveChats >= st.MaxConcurrentChats {
		return fmt.Errorf("staff %s is at maximum capacity", staffID)
	}

	d.assignLocked(sess, st, false)
	metrics.IncClaim()
	return nil
}

// EndSession 结束会话；幂等，重复结束为 no-op
func (d *Dispatcher) EndSession(sessionID string, rating *int) {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	sess, ok := d.sessions[sessionID]
	if !ok {
		return // 已结束或从未存在，终态幂等
	}
	if sess.Status == StatusEnded {
		return
	}

	wasQueued := sess.Status.queueable()
	staffID := sess.AssignedStaffID

	now := time.Now()
	sess.Status = StatusEnded
	sess.EndedAt = &now
	sess.LastActivity = now
	if rating != nil {
		sess.Rating = rating
	}

	if wasQueued {
		d.removeFromQueueLocked(sess.ID)
		d.recomputeQueueLocked()
	}
	if staffID != "" {
		d.releaseStaffLocked(staffID, sess.ID)
	}

	// 先清掉积压的轮询缓冲；随后的 session_ended 会重新入缓冲，
	// 轮询客户端仍能读到终态事件，残留队列由定期清扫回收
	d.dropPollsLocked(sess.ID)
	d.notifier.ToSession(sess.ID, NewEnvelope(EvtSessionEnded, sess.ID, SessionEndedData{
		SessionID: sess.ID,
		Rating:    sess.Rating,
	}))
	d.broadcastQueueStatusLocked()
	d.persistSessionLocked(sess)
	d.emitAuditLocked("session_ended", sess, staffID)

	delete(d.sessions, sess.ID)

	d.logger.WithField("session_id", sess.ID).Info("Session ended")
	d.attemptAutoAssignmentLocked()
}

// BoostPriority 人工提升等待中会话的优先级
func (d *Dispatcher) BoostPriority(sessionID, reason string) error {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	sess, ok := d.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	if !sess.Status.queueable() {
		return fmt.Errorf("session is not waiting (status=%s)", sess.Status)
	}

	old := sess.Priority
	sess.Priority = sess.Priority.Boosted()
	sess.LastActivity = time.Now()
	d.recomputeQueueLocked()
	d.broadcastPositionsLocked()
	d.broadcastQueueStatusLocked()
	d.persistSessionLocked(sess)
	d.persistRequeueLocked(sess, "", "staff_boost", old)

	d.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"from":       old,
		"to":         sess.Priority,
		"reason":     reason,
	}).Info("Session priority boosted")

	d.attemptAutoAssignmentLocked()
	return nil
}

// StaffConnect 客服上线并声明工作模式
func (d *Dispatcher) StaffConnect(staffID, name string, maxChats int) *StaffState {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	if maxChats <= 0 {
		maxChats = d.cfg.DefaultMaxConcurrentChats
	}
	st, ok := d.staff[staffID]
	if !ok {
		st = &StaffState{
			ID:                 staffID,
			Name:               name,
			Mode:               ModeReady,
			MaxConcurrentChats: maxChats,
			Sessions:           make(map[string]struct{}),
		}
		d.staff[staffID] = st
	}
	if name != "" {
		st.Name = name
	}
	st.LastActivity = time.Now()
	d.persistStaffProfileLocked(st)

	d.logger.WithFields(logrus.Fields{
		"staff_id":  staffID,
		"max_chats": st.MaxConcurrentChats,
	}).Info("Staff connected")

	d.recomputeQueueLocked()
	d.broadcastQueueStatusLocked()
	d.attemptAutoAssignmentLocked()
	return d.staffSnapshotLocked(st)
}

// StaffDisconnect 客服断线：名下活跃会话全部按提升一档优先级重新入队
func (d *Dispatcher) StaffDisconnect(staffID string) {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	st, ok := d.staff[staffID]
	if !ok {
		return
	}
	delete(d.staff, staffID)

	for sessionID := range st.Sessions {
		sess, ok := d.sessions[sessionID]
		if !ok || sess.Status != StatusActive {
			continue
		}
		old := sess.Priority
		sess.Status = StatusStaffDisconnected
		sess.AssignedStaffID = ""
		sess.AssignedStaffName = ""
		sess.AssignedAt = nil
		sess.LastActivity = time.Now()
		// 中间态先落库；若重排前进程崩溃，Rehydrate 会补齐剩下的迁移
		d.persistSessionLocked(sess)

		sess.Status = StatusPriorityRequeued
		sess.Priority = sess.Priority.Boosted()
		// 重排保留原始 JoinedAt，同档内仍按先来先服务
		d.queue = append(d.queue, sess)

		d.notifier.ToSession(sess.ID, NewEnvelope(EvtStaffDisconnected, sess.ID, StaffDisconnectedData{
			SessionID: sess.ID,
			Requeued:  true,
			Priority:  string(sess.Priority),
		}))
		d.persistSessionLocked(sess)
		d.persistRequeueLocked(sess, staffID, "staff_disconnect", old)
		d.emitAuditLocked("session_requeued", sess, staffID)
		metrics.IncRequeue()
	}

	d.recomputeQueueLocked()
	d.broadcastPositionsLocked()
	d.broadcastQueueStatusLocked()

	d.logger.WithFields(logrus.Fields{
		"staff_id": staffID,
		"requeued": len(st.Sessions),
	}).Warn("Staff disconnected, sessions requeued")

	d.attemptAutoAssignmentLocked()
}

// SetWorkMode 客服显式切换工作模式
func (d *Dispatcher) SetWorkMode(staffID, mode string) error {
	m, ok := ParseWorkMode(mode)
	if !ok {
		return fmt.Errorf("invalid work mode: %s", mode)
	}

	d.mu.Lock()
	defer d.flushAuditUnlock()

	st, found := d.staff[staffID]
	if !found {
		return fmt.Errorf("staff not connected: %s", staffID)
	}
	st.Mode = m
	st.autoWork = false // 显式设置优先于自动切换
	st.LastActivity = time.Now()

	d.logger.WithFields(logrus.Fields{
		"staff_id": staffID,
		"mode":     m,
	}).Info("Staff work mode updated")

	d.recomputeQueueLocked()
	d.broadcastQueueStatusLocked()
	if m == ModeReady {
		d.attemptAutoAssignmentLocked()
	}
	return nil
}

// GuestDisconnect 访客连接断开：未分配的会话标记为放弃并出队；
// 活跃会话保留（会话可以跨连接存活，等待恢复或清扫）。
func (d *Dispatcher) GuestDisconnect(sessionID string) {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	sess, ok := d.sessions[sessionID]
	if !ok {
		return
	}
	sess.LastActivity = time.Now()
	if !sess.Status.queueable() {
		return
	}

	sess.Status = StatusAbandoned
	d.removeFromQueueLocked(sess.ID)
	d.recomputeQueueLocked()
	d.broadcastPositionsLocked()
	d.broadcastQueueStatusLocked()
	d.persistSessionLocked(sess)
	d.emitAuditLocked("session_abandoned", sess, "")

	d.logger.WithField("session_id", sessionID).Info("Guest disconnected while waiting, session abandoned")
}

// Touch 更新会话活跃时间（消息、输入状态等）
func (d *Dispatcher) Touch(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sess, ok := d.sessions[sessionID]; ok {
		sess.LastActivity = time.Now()
	}
}

// GetSession 返回会话快照
func (d *Dispatcher) GetSession(sessionID string) (*LiveSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return d.snapshotLocked(sess), true
}

// Rehydrate 把持久化里的会话恢复进内存（断线恢复场景）；
// 等待状态的会话重新入队。已在内存中时为 no-op。
func (d *Dispatcher) Rehydrate(m *models.GuestSession) *LiveSession {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	if sess, ok := d.sessions[m.ID]; ok {
		return d.snapshotLocked(sess)
	}

	sess := &LiveSession{
		ID: m.ID,
		Guest: GuestInfo{
			Name:           m.GuestName,
			Email:          m.GuestEmail,
			Phone:          m.GuestPhone,
			Department:     m.Department,
			InitialMessage: m.InitialMessage,
			CustomFields:   decodeCustomFields(m.CustomFields),
		},
		Priority:     Priority(m.Priority),
		Status:       SessionStatus(m.Status),
		JoinedAt:     m.JoinedAt,
		LastActivity: time.Now(),
		Rating:       m.Rating,
	}
	if sess.Status == StatusStaffDisconnected {
		// 客服断开的中间态落库后进程中断过：在这里补完重排迁移
		sess.Status = StatusPriorityRequeued
		sess.Priority = sess.Priority.Boosted()
		d.persistSessionLocked(sess)
	}
	if m.AssignedStaffID != nil {
		sess.AssignedStaffID = *m.AssignedStaffID
		sess.AssignedStaffName = m.AssignedStaffName
	}
	d.sessions[sess.ID] = sess
	if sess.Status.queueable() {
		d.queue = append(d.queue, sess)
		d.recomputeQueueLocked()
		d.broadcastQueueStatusLocked()
		d.attemptAutoAssignmentLocked()
	}
	return d.snapshotLocked(sess)
}

// QueueSnapshot 等待队列的完整快照（客服侧展示用）
func (d *Dispatcher) QueueSnapshot() QueueStatusData {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queueStatusLocked()
}

// StaffSnapshot 在线客服注册表快照
func (d *Dispatcher) StaffSnapshot() []StaffState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]StaffState, 0, len(d.staff))
	for _, st := range d.staff {
		out = append(out, *d.staffSnapshotLocked(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- internal (callers hold d.mu) ---

// attemptAutoAssignmentLocked 单步派单：取队首，分给最空闲的 ready 客服
func (d *Dispatcher) attemptAutoAssignmentLocked() {
	for {
		if len(d.queue) == 0 {
			return
		}
		st := d.leastBusyReadyLocked()
		if st == nil {
			return
		}
		// 队列不变式保证队首即最高优先级、最早到达
		sess := d.queue[0]
		d.assignLocked(sess, st, true)
		metrics.IncAutoAssignment()
	}
}

// leastBusyReadyLocked 负载最低的 ready 客服；无可用返回 nil
func (d *Dispatcher) leastBusyReadyLocked() *StaffState {
	var best *StaffState
	for _, st := range d.staff {
		if !st.eligible() {
			continue
		}
		if best == nil || st.ActiveChats < best.ActiveChats ||
			(st.ActiveChats == best.ActiveChats && st.ID < best.ID) {
			best = st
		}
	}
	return best
}

// assignLocked 执行分配：出队、置 active、客服负载 +1、广播
func (d *Dispatcher) assignLocked(sess *LiveSession, st *StaffState, auto bool) {
	now := time.Now()
	sess.Status = StatusActive
	sess.AssignedStaffID = st.ID
	sess.AssignedStaffName = st.Name
	sess.AssignedAt = &now
	sess.LastActivity = now
	sess.Position = 0
	sess.EstimatedWait = 0

	d.removeFromQueueLocked(sess.ID)
	d.recomputeQueueLocked()

	st.ActiveChats++
	st.Sessions[sess.ID] = struct{}{}
	st.LastActivity = now
	if st.ActiveChats >= st.MaxConcurrentChats && st.Mode == ModeReady {
		st.Mode = ModeWork
		st.autoWork = true
	}

	d.notifier.ToSession(sess.ID, NewEnvelope(EvtStaffAssigned, sess.ID, StaffAssignedData{
		StaffID:    st.ID,
		StaffName:  st.Name,
		AssignedAt: now,
	}))
	event := EvtSessionClaimed
	if auto {
		event = EvtAutoAssignment
	}
	d.notifyStaff(NewEnvelope(event, sess.ID, AssignmentData{
		SessionID: sess.ID,
		StaffID:   st.ID,
		StaffName: st.Name,
		GuestName: sess.Guest.Name,
		Priority:  string(sess.Priority),
	}))
	d.broadcastPositionsLocked()
	d.broadcastQueueStatusLocked()
	d.persistSessionLocked(sess)
	d.emitAuditLocked("session_assigned", sess, st.ID)

	d.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"staff_id":   st.ID,
		"auto":       auto,
	}).Info("Session assigned")
}

// releaseStaffLocked 会话结束/转出后递减负载并重算工作模式
func (d *Dispatcher) releaseStaffLocked(staffID, sessionID string) {
	st, ok := d.staff[staffID]
	if !ok {
		return
	}
	delete(st.Sessions, sessionID)
	if st.ActiveChats > 0 {
		st.ActiveChats--
	}
	st.LastActivity = time.Now()
	// 自动进入 work 的客服在负载回落后自动恢复 ready；
	// 显式切到 work/ticketing/away 的不会被覆盖。
	if st.autoWork && st.Mode == ModeWork && st.ActiveChats < st.MaxConcurrentChats {
		st.Mode = ModeReady
		st.autoWork = false
	}
}

// recomputeQueueLocked 重排队列并刷新派生字段。
// 不变式：优先级降序（vip > urgent > high > normal），同档按到达时间升序。
func (d *Dispatcher) recomputeQueueLocked() {
	sort.SliceStable(d.queue, func(i, j int) bool {
		if d.queue[i].Priority.Rank() != d.queue[j].Priority.Rank() {
			return d.queue[i].Priority.Rank() > d.queue[j].Priority.Rank()
		}
		return d.queue[i].JoinedAt.Before(d.queue[j].JoinedAt)
	})
	ready := d.readyStaffCountLocked()
	for i, sess := range d.queue {
		sess.Position = i + 1
		sess.EstimatedWait = estimatedWaitMinutes(sess.Position, ready, d.cfg.AvgSessionMinutes)
	}
}

// readyStaffCountLocked 当前可接单的客服数
func (d *Dispatcher) readyStaffCountLocked() int {
	n := 0
	for _, st := range d.staff {
		if st.eligible() {
			n++
		}
	}
	return n
}

// estimatedWaitMinutes 估算等待分钟数，仅供访客展示
func estimatedWaitMinutes(position, readyStaff, avgMinutes int) int {
	if readyStaff < 1 {
		readyStaff = 1
	}
	return int(math.Ceil(float64(position)/float64(readyStaff))) * avgMinutes
}

func (d *Dispatcher) removeFromQueueLocked(sessionID string) {
	for i, sess := range d.queue {
		if sess.ID == sessionID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// broadcastPositionsLocked 给每个仍在等待的会话推送新位置
func (d *Dispatcher) broadcastPositionsLocked() {
	for _, sess := range d.queue {
		d.notifier.ToSession(sess.ID, NewEnvelope(EvtQueuePositionUpdated, sess.ID, QueueJoinedData{
			Position:             sess.Position,
			EstimatedWaitMinutes: sess.EstimatedWait,
		}))
	}
}

// broadcastQueueStatusLocked 给客服房间推送完整队列快照
func (d *Dispatcher) broadcastQueueStatusLocked() {
	d.notifyStaff(NewEnvelope(EvtQueueStatusUpdated, "", d.queueStatusLocked()))
}

func (d *Dispatcher) queueStatusLocked() QueueStatusData {
	entries := make([]QueueEntry, 0, len(d.queue))
	for _, sess := range d.queue {
		entries = append(entries, d.queueEntryLocked(sess))
	}
	return QueueStatusData{
		Waiting:    entries,
		ReadyStaff: d.readyStaffCountLocked(),
	}
}

func (d *Dispatcher) queueEntryLocked(sess *LiveSession) QueueEntry {
	return QueueEntry{
		SessionID:            sess.ID,
		GuestName:            sess.Guest.Name,
		Department:           sess.Guest.Department,
		Priority:             string(sess.Priority),
		Status:               string(sess.Status),
		Position:             sess.Position,
		EstimatedWaitMinutes: sess.EstimatedWait,
		JoinedAt:             sess.JoinedAt,
	}
}

func (d *Dispatcher) snapshotLocked(sess *LiveSession) *LiveSession {
	cp := *sess
	return &cp
}

func (d *Dispatcher) staffSnapshotLocked(st *StaffState) *StaffState {
	cp := *st
	cp.Sessions = nil
	return &cp
}

func (d *Dispatcher) notifyStaff(env Envelope) {
	d.notifier.ToStaffRoom(env)
}

// persistSessionLocked best-effort 持久化会话镜像，绝不阻塞派单路径
func (d *Dispatcher) persistSessionLocked(sess *LiveSession) {
	if d.store == nil {
		return
	}
	d.store.SaveSessionAsync(sessionToModel(sess))
}

// persistStaffProfileLocked upsert 客服档案；在线状态不落库
func (d *Dispatcher) persistStaffProfileLocked(st *StaffState) {
	if d.store == nil {
		return
	}
	d.store.SaveStaffProfileAsync(models.StaffProfile{
		ID:                 st.ID,
		Name:               st.Name,
		MaxConcurrentChats: st.MaxConcurrentChats,
	})
}

func (d *Dispatcher) persistRequeueLocked(sess *LiveSession, fromStaffID, reason string, old Priority) {
	if d.store == nil {
		return
	}
	d.store.SaveRequeueAsync(models.RequeueRecord{
		SessionID:   sess.ID,
		FromStaffID: fromStaffID,
		Reason:      reason,
		OldPriority: string(old),
		NewPriority: string(sess.Priority),
		RequeuedAt:  time.Now(),
	})
}

// emitAuditLocked 锁内只积累审计载荷，Kafka 写入可能阻塞，
// 由 flushAuditUnlock 在释放锁之后统一投递
func (d *Dispatcher) emitAuditLocked(event string, sess *LiveSession, staffID string) {
	if d.audit == nil {
		return
	}
	d.pendingAudit = append(d.pendingAudit, auditEntry{
		event: event,
		fields: map[string]interface{}{
			"session_id": sess.ID,
			"status":     string(sess.Status),
			"priority":   string(sess.Priority),
			"staff_id":   staffID,
		},
	})
}

// flushAuditUnlock 释放派单器锁，再投递锁内积累的审计事件。
// 所有可能产生审计的入口用它代替 defer d.mu.Unlock()。
func (d *Dispatcher) flushAuditUnlock() {
	pending := d.pendingAudit
	d.pendingAudit = nil
	audit := d.audit
	d.mu.Unlock()
	for _, entry := range pending {
		audit.Emit(entry.event, entry.fields)
	}
}

func (d *Dispatcher) dropPollsLocked(sessionID string) {
	if d.polls != nil {
		d.polls.Drop(sessionID)
	}
}

// sweepStale 定期清理：等待中但长时间不活跃的会话标记放弃并逐出，
// 已放弃的过期会话逐出内存。
func (d *Dispatcher) sweepStale() {
	d.mu.Lock()
	defer d.flushAuditUnlock()

	cutoff := time.Now().Add(-d.cfg.StaleThreshold)
	changed := false
	for id, sess := range d.sessions {
		if sess.LastActivity.After(cutoff) {
			continue
		}
		switch {
		case sess.Status.queueable():
			sess.Status = StatusAbandoned
			d.removeFromQueueLocked(id)
			d.persistSessionLocked(sess)
			d.emitAuditLocked("session_abandoned", sess, "")
			delete(d.sessions, id)
			d.dropPollsLocked(id)
			changed = true
			d.logger.WithField("session_id", id).Warn("Stale waiting session evicted")
		case sess.Status == StatusAbandoned:
			delete(d.sessions, id)
			d.dropPollsLocked(id)
		case sess.Status == StatusActive:
			// 活跃但闲置的会话不强制结束，留给客服关闭
			d.logger.WithField("session_id", id).Debug("Active session idle past threshold")
		}
	}
	if changed {
		d.recomputeQueueLocked()
		d.broadcastPositionsLocked()
		d.broadcastQueueStatusLocked()
	}
}

func encodeCustomFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeCustomFields(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	fields := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil
	}
	return fields
}

// sessionToModel 内存态转持久化镜像
func sessionToModel(sess *LiveSession) models.GuestSession {
	m := models.GuestSession{
		ID:             sess.ID,
		GuestName:      sess.Guest.Name,
		GuestEmail:     sess.Guest.Email,
		GuestPhone:     sess.Guest.Phone,
		Department:     sess.Guest.Department,
		InitialMessage: sess.Guest.InitialMessage,
		CustomFields:   encodeCustomFields(sess.Guest.CustomFields),
		Priority:       string(sess.Priority),
		Status:         string(sess.Status),
		Rating:         sess.Rating,
		JoinedAt:       sess.JoinedAt,
		AssignedAt:     sess.AssignedAt,
		EndedAt:        sess.EndedAt,
		LastActivity:   sess.LastActivity,
	}
	if sess.AssignedStaffID != "" {
		id := sess.AssignedStaffID
		m.AssignedStaffID = &id
		m.AssignedStaffName = sess.AssignedStaffName
	}
	return m
}
