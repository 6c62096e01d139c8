package alert

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Alert is a critical escalation that needs a human.
type Alert struct {
	Kind    string            `json:"kind"`
	Source  string            `json:"source"`
	SagaID  string            `json:"sagaId,omitempty"`
	OrderID string            `json:"orderId,omitempty"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	At      time.Time         `json:"at"`
}

type Sink interface {
	Critical(ctx context.Context, a Alert) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes alerts as JSON to a topic, keyed by saga id.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			Balancer:     &kafka.Hash{},
		},
	}
}

func (s *KafkaSink) Critical(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := a.SagaID
	if key == "" {
		key = a.OrderID
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  a.At,
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// LogSink records alerts at error level.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "alert"))}
}

func (s *LogSink) Critical(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("kind", a.Kind),
		zap.String("source", a.Source),
		zap.String("sagaId", a.SagaID),
		zap.String("orderId", a.OrderID),
	}
	for k, v := range a.Details {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Error("CRITICAL: "+a.Message, fields...)
	return nil
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Critical(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Critical(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the sink for a service: always the log sink, plus Kafka when
// brokers are configured. The returned close func is never nil.
func New(brokers []string, topic string, logger *zap.Logger) (Sink, func() error) {
	logSink := NewLogSink(logger)
	if len(brokers) == 0 {
		return logSink, func() error { return nil }
	}
	k := NewKafkaSink(brokers, topic)
	return Multi{logSink, k}, k.Close
}
