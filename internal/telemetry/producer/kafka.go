// Package producer publishes telemetry events to Kafka for downstream consumers.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"session-gateway/backend/internal/telemetry"
)

// writeTimeout bounds a single publish so a slow broker does not hold the emit goroutine.
const writeTimeout = 5 * time.Second

// messageWriter is the subset of *kafka.Writer used by KafkaEmitter.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEmitter implements telemetry.EventEmitter using segmentio/kafka-go.
type KafkaEmitter struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaEmitter creates an emitter that writes events as JSON to topic. It returns nil when brokers
// or topic is empty. Call Close when shutting down.
func NewKafkaEmitter(brokers []string, topic string, logger *zap.Logger) *KafkaEmitter {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaEmitter(writer, topic, logger)
}

func newKafkaEmitter(w messageWriter, topic string, logger *zap.Logger) *KafkaEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaEmitter{writer: w, topic: topic, logger: logger}
}

// Emit serializes the event as JSON and writes it keyed by session id, so one session's events
// land on one partition in order.
func (p *KafkaEmitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Warn("kafka emit failed", zap.String("topic", p.topic), zap.String("event_type", event.Type), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Kafka writer. Safe to call on a nil emitter.
func (p *KafkaEmitter) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func encodeMessage(event *telemetry.Event) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	var key []byte
	if event.SessionID != "" {
		key = []byte(event.SessionID)
	}
	return kafka.Message{
		Key:   key,
		Value: payload,
		Time:  event.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}, nil
}
