package report_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/report"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(end time.Time, temp, rain *float64) domain.Event {
	values := map[string]*float64{"outTemp": temp, "rain": rain}
	return domain.NewRecordEvent(domain.ArchiveRecord{
		StationID: "roof",
		Time:      end,
		Interval:  5 * time.Minute,
		Values:    values,
		NoData:    temp == nil && rain == nil,
	})
}

func TestSummarizer_FoldsRecordsIntoDay(t *testing.T) {
	dir := t.TempDir()
	s, err := report.NewSummarizer(dir, discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Handle(ctx, record(base, domain.Val(18), domain.Val(0.2))))
	require.NoError(t, s.Handle(ctx, record(base.Add(5*time.Minute), domain.Val(22), domain.Val(0.4))))
	require.NoError(t, s.Handle(ctx, record(base.Add(10*time.Minute), nil, nil)))
	require.NoError(t, s.Handle(ctx, record(base.Add(15*time.Minute), domain.Val(20), nil)))

	day, ok, err := s.Day("roof", base)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "2024-06-01", day.Date)
	assert.Equal(t, 4, day.Records)
	assert.Equal(t, 1, day.NoData)

	temp := day.Fields["outTemp"]
	require.NotNil(t, temp)
	assert.InDelta(t, 18, temp.Min, 1e-9)
	assert.Equal(t, base, temp.MinTime)
	assert.InDelta(t, 22, temp.Max, 1e-9)
	assert.Equal(t, base.Add(5*time.Minute), temp.MaxTime)
	assert.Equal(t, 3, temp.Count)
	assert.InDelta(t, 20, temp.Mean, 1e-9)

	rain := day.Fields["rain"]
	require.NotNil(t, rain)
	assert.InDelta(t, 0.6, rain.Sum, 1e-9)
	assert.Equal(t, 2, rain.Count)

	data, err := os.ReadFile(filepath.Join(dir, "roof", "2024-06-01.json"))
	require.NoError(t, err)
	var onDisk report.DaySummary
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, 4, onDisk.Records)
}

func TestSummarizer_MidnightRecordClosesPreviousDay(t *testing.T) {
	dir := t.TempDir()
	s, err := report.NewSummarizer(dir, discardLogger())
	require.NoError(t, err)

	midnight := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Handle(context.Background(), record(midnight, domain.Val(10), nil)))

	assert.FileExists(t, filepath.Join(dir, "roof", "2024-06-01.json"))
	assert.NoFileExists(t, filepath.Join(dir, "roof", "2024-06-02.json"))
}

func TestSummarizer_IgnoresRedeliveredRecords(t *testing.T) {
	s, err := report.NewSummarizer(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := record(end, domain.Val(18), nil)
	require.NoError(t, s.Handle(ctx, ev))
	require.NoError(t, s.Handle(ctx, ev))

	day, _, err := s.Day("roof", end)
	require.NoError(t, err)
	assert.Equal(t, 1, day.Records)
	assert.Equal(t, 1, day.Fields["outTemp"].Count)
}

func TestSummarizer_ResumesFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	end := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := report.NewSummarizer(dir, discardLogger())
	require.NoError(t, err)
	require.NoError(t, first.Handle(ctx, record(end, domain.Val(18), nil)))

	second, err := report.NewSummarizer(dir, discardLogger())
	require.NoError(t, err)
	require.NoError(t, second.Handle(ctx, record(end, domain.Val(18), nil)))
	require.NoError(t, second.Handle(ctx, record(end.Add(5*time.Minute), domain.Val(24), nil)))

	day, ok, err := second.Day("roof", end)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, day.Records)
	assert.InDelta(t, 21, day.Fields["outTemp"].Mean, 1e-9)
}

func TestSummarizer_IgnoresReadings(t *testing.T) {
	dir := t.TempDir()
	s, err := report.NewSummarizer(dir, discardLogger())
	require.NoError(t, err)

	ev := domain.NewReadingEvent(domain.Reading{StationID: "roof", Time: time.Unix(10, 0)})
	require.NoError(t, s.Handle(context.Background(), ev))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
