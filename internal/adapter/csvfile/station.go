// Package csvfile implements a station driver over CSV exports: one file is
// replayed as the live reading stream, another can serve as the logger
// backlog, the way historical data is imported into an existing archive.
//
// Files carry a header row. The time column holds Unix seconds or RFC 3339
// timestamps; every other column is a numeric field, where an empty cell or
// one of "NA", "N/A", "null" is a null value.
package csvfile

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

const defaultTimeColumn = "dateTime"

// Options are the driver options accepted in the stations file.
type Options struct {
	Path        string `yaml:"path"`
	BacklogPath string `yaml:"backlog_path"`
	TimeColumn  string `yaml:"time_column"`
	// Pace is the delay between replayed live rows. Zero replays as fast as
	// the engine consumes them.
	Pace time.Duration `yaml:"pace"`
}

// Station replays CSV files.
type Station struct {
	meta  domain.StationMetadata
	opts  Options
	clock clockwork.Clock

	mu    sync.Mutex
	files []io.Closer
	live  domain.ReadingStream
}

// New opens the live file. The backlog file is opened on demand.
func New(meta domain.StationMetadata, opts Options, clock clockwork.Clock) (*Station, error) {
	if opts.Path == "" {
		return nil, errors.New("csv station: path is required")
	}
	if opts.TimeColumn == "" {
		opts.TimeColumn = defaultTimeColumn
	}
	s := &Station{meta: meta, opts: opts, clock: clock}

	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("csv station %s: %w", meta.ID, err)
	}
	s.files = append(s.files, f)
	r, err := newRowReader(f, meta.ID, opts.TimeColumn)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("csv station %s: %s: %w", meta.ID, opts.Path, err)
	}
	s.live = &pacedStream{rows: r, pace: opts.Pace, clock: clock}
	return s, nil
}

// Readings returns the replayed live stream. It ends with io.EOF.
func (s *Station) Readings() domain.ReadingStream { return s.live }

// IntervalLength returns the configured archive interval.
func (s *Station) IntervalLength() time.Duration { return s.meta.ArchiveInterval }

// Backlog streams rows of the backlog file newer than since.
func (s *Station) Backlog(_ context.Context, since time.Time) (domain.ReadingStream, error) {
	if s.opts.BacklogPath == "" {
		return nil, domain.ErrBacklogUnsupported
	}
	f, err := os.Open(s.opts.BacklogPath)
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	s.mu.Lock()
	s.files = append(s.files, f)
	s.mu.Unlock()

	r, err := newRowReader(f, s.meta.ID, s.opts.TimeColumn)
	if err != nil {
		return nil, fmt.Errorf("backlog %s: %w", s.opts.BacklogPath, err)
	}
	return &sinceStream{rows: r, since: since}, nil
}

// Close closes every file the station opened.
func (s *Station) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range s.files {
		errs = append(errs, f.Close())
	}
	s.files = nil
	return errors.Join(errs...)
}

// rowReader decodes CSV rows into readings.
type rowReader struct {
	csv       *csv.Reader
	stationID string
	timeIdx   int
	fields    []string
	line      int
}

func newRowReader(r io.Reader, stationID, timeColumn string) (*rowReader, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	rr := &rowReader{csv: cr, stationID: stationID, timeIdx: -1, fields: make([]string, len(header)), line: 1}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == timeColumn {
			rr.timeIdx = i
			continue
		}
		rr.fields[i] = name
	}
	if rr.timeIdx < 0 {
		return nil, fmt.Errorf("missing time column %q", timeColumn)
	}
	return rr, nil
}

func (rr *rowReader) next() (domain.Reading, error) {
	row, err := rr.csv.Read()
	if err != nil {
		return domain.Reading{}, err
	}
	rr.line++

	ts, err := parseTime(row[rr.timeIdx])
	if err != nil {
		return domain.Reading{}, fmt.Errorf("line %d: %w", rr.line, err)
	}
	values := make(map[string]*float64, len(rr.fields)-1)
	for i, cell := range row {
		if i == rr.timeIdx || rr.fields[i] == "" {
			continue
		}
		v, err := parseValue(cell)
		if err != nil {
			return domain.Reading{}, fmt.Errorf("line %d: field %s: %w", rr.line, rr.fields[i], err)
		}
		values[rr.fields[i]] = v
	}
	return domain.Reading{StationID: rr.stationID, Time: ts, Values: values}, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

func parseValue(s string) (*float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "na", "n/a", "null":
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", s)
	}
	// Loggers write NaN or Inf for a failed sensor; that is a missing value.
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, nil
	}
	return &v, nil
}

type pacedStream struct {
	mu      sync.Mutex
	rows    *rowReader
	pace    time.Duration
	clock   clockwork.Clock
	started bool
}

func (p *pacedStream) Next(ctx context.Context) (domain.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && p.pace > 0 {
		select {
		case <-ctx.Done():
			return domain.Reading{}, ctx.Err()
		case <-p.clock.After(p.pace):
		}
	}
	p.started = true
	if err := ctx.Err(); err != nil {
		return domain.Reading{}, err
	}
	return p.rows.next()
}

type sinceStream struct {
	rows  *rowReader
	since time.Time
}

func (s *sinceStream) Next(ctx context.Context) (domain.Reading, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Reading{}, err
		}
		r, err := s.rows.next()
		if err != nil {
			return domain.Reading{}, err
		}
		if r.Time.After(s.since) {
			return r, nil
		}
	}
}
