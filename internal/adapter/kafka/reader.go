package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// ErrForeignStation marks a message addressed to a different station.
var ErrForeignStation = errors.New("reading belongs to another station")

// Options are the driver options accepted in the stations file.
type Options struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Station consumes JSON readings from a Kafka topic. Message payloads use the
// reading encoding ({"station_id", "time", "values"}); a missing time falls
// back to the message timestamp. The topic has no logger memory, so Backlog
// is unsupported.
type Station struct {
	meta   domain.StationMetadata
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewStation creates a consumer-group reader for the station's topic.
func NewStation(meta domain.StationMetadata, opts Options, logger *slog.Logger) (*Station, error) {
	if len(opts.Brokers) == 0 || opts.Topic == "" {
		return nil, errors.New("kafka station: brokers and topic are required")
	}
	if opts.GroupID == "" {
		opts.GroupID = "weather-archive-" + meta.ID
	}
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Station{meta: meta, reader: r, logger: logger}, nil
}

// Readings returns the station itself; every call yields the same stream.
func (s *Station) Readings() domain.ReadingStream { return s }

// IntervalLength returns the configured archive interval.
func (s *Station) IntervalLength() time.Duration { return s.meta.ArchiveInterval }

// Backlog is unsupported: the topic offers no interval history.
func (s *Station) Backlog(context.Context, time.Time) (domain.ReadingStream, error) {
	return nil, domain.ErrBacklogUnsupported
}

// Next fetches the next reading for this station, committing each message
// once decoded. Malformed and foreign messages are skipped.
func (s *Station) Next(ctx context.Context) (domain.Reading, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			return domain.Reading{}, fmt.Errorf("fetch message: %w", err)
		}
		r, mapErr := mapMessageToReading(msg, s.meta.ID)
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return domain.Reading{}, fmt.Errorf("commit offset: %w", err)
		}
		if mapErr == nil {
			return r, nil
		}
		if !errors.Is(mapErr, ErrForeignStation) {
			s.logger.Warn("skipping malformed reading message",
				"station", s.meta.ID, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", mapErr)
		}
	}
}

func (s *Station) Close() error {
	return s.reader.Close()
}

// mapMessageToReading decodes a Kafka message into a reading for stationID.
func mapMessageToReading(msg kafkago.Message, stationID string) (domain.Reading, error) {
	var r domain.Reading
	if err := json.Unmarshal(msg.Value, &r); err != nil {
		return domain.Reading{}, fmt.Errorf("decode reading: %w", err)
	}
	if r.StationID != "" && r.StationID != stationID {
		return domain.Reading{}, fmt.Errorf("%w: %s", ErrForeignStation, r.StationID)
	}
	r.StationID = stationID
	if r.Time.IsZero() {
		r.Time = msg.Time
	}
	if r.Time.IsZero() {
		return domain.Reading{}, errors.New("reading has no timestamp")
	}
	r.Time = r.Time.UTC()
	return r, nil
}
