package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// Writer uploads archive events to Kafka topics. Its Handle method is a
// dispatcher subscriber.
type Writer struct {
	writer        *kafkago.Writer
	recordsTopic  string
	readingsTopic string
	logger        *slog.Logger
}

// NewWriter creates a Kafka producer. An empty readingsTopic disables
// publishing of raw readings.
func NewWriter(brokers []string, recordsTopic, readingsTopic string, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{
		writer:        w,
		recordsTopic:  recordsTopic,
		readingsTopic: readingsTopic,
		logger:        logger,
	}
}

// Handle publishes one event. Records are keyed by their archive key so a
// consumer upserting by key stays idempotent across replays.
func (w *Writer) Handle(ctx context.Context, ev domain.Event) error {
	msg, ok, err := w.messageFor(ev)
	if err != nil || !ok {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s to %s: %w", ev.Kind, msg.Topic, err)
	}
	w.logger.Debug("event uploaded", "kind", ev.Kind, "station", ev.StationID, "topic", msg.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func (w *Writer) messageFor(ev domain.Event) (kafkago.Message, bool, error) {
	switch ev.Kind {
	case domain.EventNewArchiveRecord:
		if ev.Record == nil {
			return kafkago.Message{}, false, fmt.Errorf("event %s: record missing", ev.ID)
		}
		msg, err := serializeToMessage(ev, ev.Record.Key(), ev.Record)
		msg.Topic = w.recordsTopic
		return msg, err == nil, err
	case domain.EventNewReading:
		if w.readingsTopic == "" {
			return kafkago.Message{}, false, nil
		}
		if ev.Reading == nil {
			return kafkago.Message{}, false, fmt.Errorf("event %s: reading missing", ev.ID)
		}
		msg, err := serializeToMessage(ev, ev.StationID, ev.Reading)
		msg.Topic = w.readingsTopic
		return msg, err == nil, err
	default:
		return kafkago.Message{}, false, nil
	}
}

// serializeToMessage marshals an event payload into a Kafka message.
func serializeToMessage(ev domain.Event, key string, payload any) (kafkago.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize %s: %w", ev.Kind, err)
	}
	return kafkago.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_kind", Value: []byte(ev.Kind)},
			{Key: "station_id", Value: []byte(ev.StationID)},
			{Key: "occurred_at", Value: []byte(ev.OccurredAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
