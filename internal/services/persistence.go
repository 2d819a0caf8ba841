package services

import (
	"context"
	"fmt"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/metrics"
	"livedesk/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PersistenceService 会话镜像的 best-effort 持久化：
// 写操作进异步队列由单个 worker 消费，数据库故障由熔断器吸收，
// 永远不让存储问题阻塞派单路径（可用性优先于持久性）。
type PersistenceService struct {
	db      *gorm.DB
	logger  *logrus.Logger
	breaker *CircuitBreaker
	tasks   chan persistTask
}

type persistTask struct {
	name string
	run  func(db *gorm.DB) error
}

// NewPersistenceService 创建持久化服务并完成表结构迁移
func NewPersistenceService(db *gorm.DB, breakerCfg config.BreakerConfig, logger *logrus.Logger) (*PersistenceService, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := db.AutoMigrate(
		&models.GuestSession{},
		&models.ChatMessage{},
		&models.StaffProfile{},
		&models.RequeueRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &PersistenceService{
		db:      db,
		logger:  logger,
		breaker: NewCircuitBreaker(breakerCfg),
		tasks:   make(chan persistTask, 1024),
	}, nil
}

// Start 启动写入 worker；ctx 取消时排干队列后退出
func (p *PersistenceService) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				for {
					select {
					case task := <-p.tasks:
						p.execute(task)
					default:
						return
					}
				}
			case task := <-p.tasks:
				p.execute(task)
			}
		}
	}()
}

func (p *PersistenceService) execute(task persistTask) {
	if !p.breaker.Allow() {
		metrics.IncPersistFailure()
		p.logger.WithField("task", task.name).Debug("Persistence skipped, circuit breaker open")
		return
	}
	if err := task.run(p.db); err != nil {
		p.breaker.OnFailure()
		metrics.IncPersistFailure()
		p.logger.WithError(err).WithField("task", task.name).Warn("Persistence write failed")
		return
	}
	p.breaker.OnSuccess()
}

// enqueue 写任务入队；队列满时丢弃而不是阻塞
func (p *PersistenceService) enqueue(name string, run func(db *gorm.DB) error) {
	select {
	case p.tasks <- persistTask{name: name, run: run}:
	default:
		metrics.IncPersistFailure()
		p.logger.WithField("task", name).Warn("Persistence queue full, write dropped")
	}
}

// SaveSessionAsync upsert 会话镜像
func (p *PersistenceService) SaveSessionAsync(session models.GuestSession) {
	now := time.Now()
	session.UpdatedAt = now
	p.enqueue("save_session", func(db *gorm.DB) error {
		return db.Save(&session).Error
	})
}

// SaveMessageAsync 追加一条聊天消息
func (p *PersistenceService) SaveMessageAsync(message models.ChatMessage) {
	p.enqueue("save_message", func(db *gorm.DB) error {
		return db.Create(&message).Error
	})
}

// UpdateMessageStatusAsync 更新消息投递状态
func (p *PersistenceService) UpdateMessageStatusAsync(messageID, status string) {
	p.enqueue("update_message_status", func(db *gorm.DB) error {
		return db.Model(&models.ChatMessage{}).
			Where("id = ?", messageID).
			Update("status", status).Error
	})
}

// SaveRequeueAsync 记录一次重排事件
func (p *PersistenceService) SaveRequeueAsync(record models.RequeueRecord) {
	p.enqueue("save_requeue", func(db *gorm.DB) error {
		return db.Create(&record).Error
	})
}

// SaveStaffProfileAsync upsert 客服档案
func (p *PersistenceService) SaveStaffProfileAsync(profile models.StaffProfile) {
	p.enqueue("save_staff_profile", func(db *gorm.DB) error {
		return db.Save(&profile).Error
	})
}

// LoadSession 同步读取会话及其消息（断线恢复路径）
func (p *PersistenceService) LoadSession(sessionID string) (*models.GuestSession, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("persistence unavailable, circuit breaker is %s", p.breaker.State())
	}
	var session models.GuestSession
	err := p.db.Preload("Messages", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}).First(&session, "id = ?", sessionID).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			p.breaker.OnFailure()
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	p.breaker.OnSuccess()
	return &session, nil
}

// LoadMessages 会话消息历史（客服侧查看）
func (p *PersistenceService) LoadMessages(sessionID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	var messages []models.ChatMessage
	err := p.db.Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load messages for session %s: %w", sessionID, err)
	}
	return messages, nil
}

// BreakerStats 熔断器当前状态（健康检查用）
func (p *PersistenceService) BreakerStats() map[string]interface{} {
	return p.breaker.Stats()
}
