// Package report maintains per-day summaries of archive records, updated as
// each NEW_ARCHIVE_RECORD event arrives, and writes them as JSON files under
// <dir>/<station>/<YYYY-MM-DD>.json.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

const dateLayout = "2006-01-02"

// FieldSummary aggregates one field over a day.
type FieldSummary struct {
	Min     float64   `json:"min"`
	MinTime time.Time `json:"min_time"`
	Max     float64   `json:"max"`
	MaxTime time.Time `json:"max_time"`
	Sum     float64   `json:"sum"`
	Count   int       `json:"count"`
	Mean    float64   `json:"mean"`
}

func (f *FieldSummary) add(v float64, at time.Time) {
	if f.Count == 0 || v < f.Min {
		f.Min, f.MinTime = v, at
	}
	if f.Count == 0 || v > f.Max {
		f.Max, f.MaxTime = v, at
	}
	f.Sum += v
	f.Count++
	f.Mean = f.Sum / float64(f.Count)
}

// DaySummary is the summary of one station's UTC day. A record belongs to
// the day its interval starts in, so the record ending at midnight closes
// the previous day.
type DaySummary struct {
	StationID  string                   `json:"station_id"`
	Date       string                   `json:"date"`
	Records    int                      `json:"records"`
	NoData     int                      `json:"no_data"`
	LastRecord time.Time                `json:"last_record"`
	Fields     map[string]*FieldSummary `json:"fields"`
}

// Summarizer is a dispatcher subscriber keeping the current day of every
// station in memory and on disk.
type Summarizer struct {
	dir    string
	logger *slog.Logger

	mu   sync.Mutex
	days map[string]*DaySummary
}

// NewSummarizer creates the report directory if needed.
func NewSummarizer(dir string, logger *slog.Logger) (*Summarizer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &Summarizer{dir: dir, logger: logger, days: make(map[string]*DaySummary)}, nil
}

// Handle folds a record into its day summary and rewrites the day file.
// Records at or before the day's last folded record are ignored, so
// redelivery after a restart does not count twice.
func (s *Summarizer) Handle(_ context.Context, ev domain.Event) error {
	if ev.Kind != domain.EventNewArchiveRecord || ev.Record == nil {
		return nil
	}
	rec := *ev.Record
	date := dayOf(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	day, err := s.day(rec.StationID, date)
	if err != nil {
		return err
	}
	if !rec.Time.After(day.LastRecord) {
		s.logger.Debug("record already summarized", "station", rec.StationID, "time", rec.Time)
		return nil
	}

	day.Records++
	day.LastRecord = rec.Time
	if rec.NoData {
		day.NoData++
	}
	for _, field := range rec.Fields() {
		v, ok := rec.Value(field)
		if !ok {
			continue
		}
		sum, ok := day.Fields[field]
		if !ok {
			sum = &FieldSummary{}
			day.Fields[field] = sum
		}
		sum.add(v, rec.Time)
	}
	return s.write(day)
}

// Day returns a copy of the in-memory summary, loading it from disk when
// this process has not touched the day yet.
func (s *Summarizer) Day(stationID string, date time.Time) (DaySummary, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if day, ok := s.days[stationID]; ok && day.Date == date.UTC().Format(dateLayout) {
		return *day, true, nil
	}
	day, ok, err := s.load(stationID, date.UTC().Format(dateLayout))
	if err != nil || !ok {
		return DaySummary{}, false, err
	}
	return *day, true, nil
}

func (s *Summarizer) day(stationID, date string) (*DaySummary, error) {
	if day, ok := s.days[stationID]; ok && day.Date == date {
		return day, nil
	}
	day, ok, err := s.load(stationID, date)
	if err != nil {
		return nil, err
	}
	if !ok {
		day = &DaySummary{StationID: stationID, Date: date, Fields: make(map[string]*FieldSummary)}
	}
	s.days[stationID] = day
	return day, nil
}

func (s *Summarizer) load(stationID, date string) (*DaySummary, bool, error) {
	data, err := os.ReadFile(s.path(stationID, date))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read day summary: %w", err)
	}
	var day DaySummary
	if err := json.Unmarshal(data, &day); err != nil {
		return nil, false, fmt.Errorf("decode day summary %s/%s: %w", stationID, date, err)
	}
	if day.Fields == nil {
		day.Fields = make(map[string]*FieldSummary)
	}
	return &day, true, nil
}

func (s *Summarizer) write(day *DaySummary) error {
	data, err := json.MarshalIndent(day, "", "  ")
	if err != nil {
		return fmt.Errorf("encode day summary: %w", err)
	}
	dir := filepath.Join(s.dir, day.StationID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create station report dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, day.Date+".*.tmp")
	if err != nil {
		return fmt.Errorf("create day summary: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write day summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close day summary: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(day.StationID, day.Date)); err != nil {
		return fmt.Errorf("replace day summary: %w", err)
	}
	return nil
}

func (s *Summarizer) path(stationID, date string) string {
	return filepath.Join(s.dir, stationID, date+".json")
}

func dayOf(rec domain.ArchiveRecord) string {
	start := rec.Time.Add(-rec.Interval)
	if rec.Interval <= 0 {
		start = rec.Time.Add(-time.Nanosecond)
	}
	return start.UTC().Format(dateLayout)
}
