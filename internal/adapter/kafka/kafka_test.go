package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapMessageToReading(t *testing.T) {
	msg := kafkago.Message{
		Topic: "station-readings",
		Value: []byte(`{"station_id":"roof","time":"2024-06-01T12:00:10+02:00","values":{"outTemp":21.5,"rain":null}}`),
	}

	r, err := mapMessageToReading(msg, "roof")
	require.NoError(t, err)

	assert.Equal(t, "roof", r.StationID)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 10, 0, time.UTC), r.Time)
	temp, ok := r.Value("outTemp")
	require.True(t, ok)
	assert.InDelta(t, 21.5, temp, 1e-9)
	assert.Contains(t, r.Values, "rain")
	assert.Nil(t, r.Values["rain"])
}

func TestMapMessageToReading_FallsBackToMessageTime(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := kafkago.Message{Value: []byte(`{"values":{"outTemp":1}}`), Time: ts}

	r, err := mapMessageToReading(msg, "roof")
	require.NoError(t, err)
	assert.Equal(t, "roof", r.StationID)
	assert.Equal(t, ts, r.Time)
}

func TestMapMessageToReading_Errors(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		foreign bool
	}{
		{name: "invalid json", value: `not-json{{{`},
		{name: "no timestamp", value: `{"values":{"outTemp":1}}`},
		{name: "other station", value: `{"station_id":"yard","time":"2024-06-01T12:00:00Z"}`, foreign: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mapMessageToReading(kafkago.Message{Value: []byte(tt.value)}, "roof")
			require.Error(t, err)
			assert.Equal(t, tt.foreign, errors.Is(err, ErrForeignStation))
		})
	}
}

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	rec := domain.ArchiveRecord{
		StationID:    "roof",
		Time:         now,
		Interval:     5 * time.Minute,
		Values:       map[string]*float64{"outTemp": domain.Val(20)},
		ReadingCount: 3,
		Source:       domain.SourceLive,
	}
	ev := domain.NewRecordEvent(rec)
	ev.ID = "evt-1"
	ev.OccurredAt = now

	msg, err := serializeToMessage(ev, rec.Key(), ev.Record)
	require.NoError(t, err)

	assert.Equal(t, []byte(rec.Key()), msg.Key)
	var got domain.ArchiveRecord
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, rec.Time, got.Time)
	assert.Equal(t, 3, got.ReadingCount)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_id":    "evt-1",
		"event_kind":  "NEW_ARCHIVE_RECORD",
		"station_id":  "roof",
		"occurred_at": now.Format(time.RFC3339),
	}, headers)
}

func TestWriter_MessageRouting(t *testing.T) {
	w := NewWriter([]string{"localhost:9092"}, "records", "", discardLogger())
	t.Cleanup(func() { _ = w.Close() })

	rec := domain.ArchiveRecord{StationID: "roof", Time: time.Unix(300, 0).UTC(), Interval: 5 * time.Minute}
	msg, ok, err := w.messageFor(domain.NewRecordEvent(rec))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "records", msg.Topic)
	assert.Equal(t, "roof|300", string(msg.Key))

	reading := domain.Reading{StationID: "roof", Time: time.Unix(10, 0).UTC()}
	_, ok, err = w.messageFor(domain.NewReadingEvent(reading))
	require.NoError(t, err)
	assert.False(t, ok, "readings are not published without a readings topic")

	w.readingsTopic = "readings"
	msg, ok, err = w.messageFor(domain.NewReadingEvent(reading))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "readings", msg.Topic)
	assert.Equal(t, "roof", string(msg.Key))

	_, _, err = w.messageFor(domain.Event{Kind: domain.EventNewArchiveRecord})
	require.Error(t, err)
}

func TestWriter_HandleSkipsUnpublishedKinds(t *testing.T) {
	w := NewWriter([]string{"localhost:9092"}, "records", "", discardLogger())
	t.Cleanup(func() { _ = w.Close() })

	err := w.Handle(context.Background(), domain.NewReadingEvent(domain.Reading{StationID: "roof"}))
	require.NoError(t, err)
}

func TestNewStation_Validation(t *testing.T) {
	meta := domain.StationMetadata{ID: "roof", ArchiveInterval: time.Minute}

	_, err := NewStation(meta, Options{Topic: "readings"}, discardLogger())
	require.Error(t, err)

	s, err := NewStation(meta, Options{Brokers: []string{"localhost:9092"}, Topic: "readings"}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Backlog(context.Background(), time.Time{})
	require.ErrorIs(t, err, domain.ErrBacklogUnsupported)
	assert.Equal(t, time.Minute, s.IntervalLength())
}
