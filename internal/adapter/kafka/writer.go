package kafka

import (
	"context"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/lightning-detector/internal/config"
	"github.com/couchcryptid/lightning-detector/internal/domain"
)

const gatewayName = "kafka"

// Writer produces detector reports to a Kafka topic.
// It implements pipeline.Gateway.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured snapshot topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSnapshotTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

func (w *Writer) Name() string { return gatewayName }

// PublishSnapshot writes s keyed by its kind, so current and past snapshots
// each keep their order within a partition.
func (w *Writer) PublishSnapshot(ctx context.Context, s domain.RingSnapshot) error {
	msg, err := snapshotMessage(s)
	if err != nil {
		return err
	}
	return w.write(ctx, msg)
}

// PublishDetection writes d keyed as "detect".
func (w *Writer) PublishDetection(ctx context.Context, d domain.Detection) error {
	msg, err := detectionMessage(d)
	if err != nil {
		return err
	}
	return w.write(ctx, msg)
}

func (w *Writer) write(ctx context.Context, msg kafkago.Message) error {
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return &domain.PublishError{Gateway: gatewayName, Topic: w.writer.Topic, Err: err}
	}
	w.logger.Debug("report written to kafka", "topic", w.writer.Topic, "key", string(msg.Key))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// snapshotMessage wraps the MQTT-compatible snapshot payload in a Kafka message.
func snapshotMessage(s domain.RingSnapshot) (kafkago.Message, error) {
	data, err := domain.MarshalSnapshot(s)
	if err != nil {
		return kafkago.Message{}, err
	}
	return newMessage(s.Kind.Key(), data, s.Timestamp), nil
}

func detectionMessage(d domain.Detection) (kafkago.Message, error) {
	data, err := domain.MarshalDetection(d)
	if err != nil {
		return kafkago.Message{}, err
	}
	return newMessage("detect", data, d.Timestamp), nil
}

func newMessage(kind string, value []byte, at time.Time) kafkago.Message {
	return kafkago.Message{
		Key:   []byte(kind),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "report_kind", Value: []byte(kind)},
			{Key: "generated_at", Value: []byte(at.UTC().Format(time.RFC3339))},
		},
	}
}
