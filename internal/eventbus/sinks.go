package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	redisx "medsync/internal/common/redis"
	"medsync/internal/domain"
)

// DefaultStream 安全事件 Redis Stream 名称
const DefaultStream = "medsync:security-events"

// LogSink 以 warn 级别记录安全事件
func LogSink(logger *zap.Logger) Handler {
	return func(ev domain.SecurityEvent) {
		logger.Warn("Permission denied",
			zap.String("type", ev.Type),
			zap.String("path", ev.Path),
			zap.String("operation", string(ev.Operation)),
			zap.Any("request_resource_data", ev.RequestResourceData),
		)
	}
}

// StreamSink 将安全事件写入 Redis Stream，供诊断面板读取
type StreamSink struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *zap.Logger
}

func NewStreamSink(client *redis.Client, stream string, logger *zap.Logger) *StreamSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamSink{
		client:  client,
		stream:  stream,
		maxLen:  10000,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Handle 实现 Handler
func (s *StreamSink) Handle(ev domain.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := redisx.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, ev); err != nil {
		s.logger.Error("Failed to publish security event to stream",
			zap.String("stream", s.stream),
			zap.String("path", ev.Path),
			zap.Error(err),
		)
	}
}

// Recent 读取流中全部安全事件（按写入顺序）
func (s *StreamSink) Recent(ctx context.Context) ([]domain.SecurityEvent, error) {
	msgs, err := redisx.ReadRange(ctx, s.client, s.stream, "-", "+")
	if err != nil {
		return nil, fmt.Errorf("failed to read security events: %w", err)
	}
	out := make([]domain.SecurityEvent, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev domain.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			s.logger.Warn("Skipping malformed security event", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Publisher MQTT 发布接口（common/mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	QoS() byte
}

// MQTTSink 将安全事件以 JSON 发布到 MQTT 主题
type MQTTSink struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

func NewMQTTSink(pub Publisher, topic string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, logger: logger}
}

// Handle 实现 Handler
func (s *MQTTSink) Handle(ev domain.SecurityEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal security event", zap.Error(err))
		return
	}
	if err := s.pub.Publish(s.topic, s.pub.QoS(), false, payload); err != nil {
		s.logger.Error("Failed to publish security event to MQTT",
			zap.String("topic", s.topic),
			zap.Error(err),
		)
	}
}
