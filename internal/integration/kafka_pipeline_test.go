//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/adapter/kafka"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/memory"
	"github.com/couchcryptid/weather-archive-service/internal/dispatch"
	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
	"github.com/couchcryptid/weather-archive-service/internal/pipeline"
)

const (
	testReadingsTopic = "test-readings"
	testRecordsTopic  = "test-records"
)

// uploadedRecord holds a deserialized message read from the records topic.
type uploadedRecord struct {
	Record  domain.ArchiveRecord
	Key     string
	Headers map[string]string
}

func readRecord(ctx context.Context, t *testing.T, consumer *kafkago.Reader) uploadedRecord {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from records topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var rec domain.ArchiveRecord
	require.NoError(t, json.Unmarshal(msg.Value, &rec), "unmarshal record message")
	return uploadedRecord{Record: rec, Key: string(msg.Key), Headers: headers}
}

func readingPayload(t *testing.T, stationID string, at time.Time, temp float64) []byte {
	t.Helper()
	data, err := json.Marshal(domain.Reading{
		StationID: stationID,
		Time:      at,
		Values:    map[string]*float64{"outTemp": domain.Val(temp), "rain": domain.Val(0.1)},
	})
	require.NoError(t, err)
	return data
}

// TestKafkaStationToRecordsTopic consumes readings from Kafka, archives them
// and verifies the uploader publishes each closed interval to the records
// topic keyed by its archive key.
func TestKafkaStationToRecordsTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testReadingsTopic)
	createTopic(t, broker, testRecordsTopic)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	producer := &kafkago.Writer{Addr: kafkago.TCP(broker), Topic: testReadingsTopic}
	t.Cleanup(func() { _ = producer.Close() })

	require.NoError(t, producer.WriteMessages(ctx,
		kafkago.Message{Value: readingPayload(t, "roof", base.Add(10*time.Second), 20)},
		kafkago.Message{Value: []byte("not-json{{{")},
		kafkago.Message{Value: readingPayload(t, "yard", base.Add(15*time.Second), 99)},
		kafkago.Message{Value: readingPayload(t, "roof", base.Add(30*time.Second), 22)},
		kafkago.Message{Value: readingPayload(t, "roof", base.Add(70*time.Second), 18)},
		kafkago.Message{Value: readingPayload(t, "roof", base.Add(130*time.Second), 17)},
	))

	meta := domain.StationMetadata{
		ID:              "roof",
		Driver:          "kafka",
		ArchiveInterval: time.Minute,
		Rules:           map[string]domain.AggregationRule{"outTemp": domain.RuleMean, "rain": domain.RuleSum},
	}
	station, err := kafka.NewStation(meta, kafka.Options{
		Brokers: []string{broker},
		Topic:   testReadingsTopic,
		GroupID: fmt.Sprintf("test-station-%d", time.Now().UnixNano()),
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = station.Close() })

	writer := kafka.NewWriter([]string{broker}, testRecordsTopic, "", discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	disp := dispatch.New(dispatch.Config{QueueSize: 16, PublishTimeout: time.Second, HandlerTimeout: 10 * time.Second}, discardLogger(), metrics)
	require.NoError(t, disp.Subscribe("kafka-upload", writer.Handle, domain.EventNewArchiveRecord))
	disp.Start()

	store := memory.NewStore()
	committer := pipeline.NewCommitter(meta.ID, store, disp, pipeline.CommitterConfig{
		WriteRetries: 1, RetryQueueSize: 4, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond,
	}, discardLogger(), metrics)
	engine := pipeline.NewEngine(meta, station, store, committer, disp, pipeline.EngineConfig{
		ReadRetryLimit: 3, ReadBackoffInitial: 100 * time.Millisecond, ReadBackoffMax: time.Second,
	}, discardLogger(), metrics)

	engineCtx, engineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- engine.Run(engineCtx) }()

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testRecordsTopic,
		GroupID:     fmt.Sprintf("test-records-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	first := readRecord(ctx, t, consumer)
	second := readRecord(ctx, t, consumer)

	engineCancel()
	<-errCh
	require.NoError(t, disp.Close(ctx))

	assert.Equal(t, "roof|"+fmt.Sprint(base.Add(time.Minute).Unix()), first.Key)
	assert.Equal(t, "NEW_ARCHIVE_RECORD", first.Headers["event_kind"])
	assert.Equal(t, "roof", first.Headers["station_id"])
	assert.NotEmpty(t, first.Headers["event_id"])
	assert.Equal(t, base.Add(time.Minute), first.Record.Time)
	assert.Equal(t, 2, first.Record.ReadingCount)
	temp, ok := first.Record.Value("outTemp")
	require.True(t, ok)
	assert.InDelta(t, 21, temp, 1e-9)
	rain, ok := first.Record.Value("rain")
	require.True(t, ok)
	assert.InDelta(t, 0.2, rain, 1e-9)

	assert.Equal(t, base.Add(2*time.Minute), second.Record.Time)
	assert.Equal(t, 1, second.Record.ReadingCount)

	stored, err := store.Records(ctx, "roof", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}
