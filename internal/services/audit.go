package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"livedesk/internal/config"
	"livedesk/internal/metrics"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// AuditProducer 把会话生命周期事件推到 Kafka 供下游报表消费。
// 未配置 broker 时退化为 no-op，发送失败只记日志不回传错误。
type AuditProducer struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

// NewAuditProducer 创建审计生产者；cfg.Enabled 为 false 或无 broker 时返回 no-op 实例
func NewAuditProducer(cfg config.AuditConfig, logger *logrus.Logger) *AuditProducer {
	if logger == nil {
		logger = logrus.New()
	}
	p := &AuditProducer{logger: logger}
	brokers := ParseBrokers(cfg.Brokers)
	if !cfg.Enabled || len(brokers) == 0 {
		logger.Info("Audit producer disabled, session events will not be published")
		return p
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				metrics.IncAuditFailure()
				logger.WithError(err).Warn("Audit event delivery failed")
			}
		},
	}
	logger.WithFields(logrus.Fields{
		"brokers": brokers,
		"topic":   cfg.Topic,
	}).Info("Audit producer initialized")
	return p
}

// ParseBrokers 解析逗号分隔的 broker 地址列表
func ParseBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// Emit 发布一条审计事件；按 session_id 分区保证单会话有序
func (a *AuditProducer) Emit(event string, payload map[string]interface{}) {
	if a.writer == nil {
		return
	}
	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range payload {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		a.logger.WithError(err).Error("Failed to marshal audit event")
		return
	}
	key := ""
	if sid, ok := payload["session_id"].(string); ok {
		key = sid
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: raw,
	}); err != nil {
		metrics.IncAuditFailure()
		a.logger.WithError(err).Warn("Failed to enqueue audit event")
	}
}

// Close 关闭底层 writer
func (a *AuditProducer) Close() error {
	if a.writer == nil {
		return nil
	}
	return a.writer.Close()
}
