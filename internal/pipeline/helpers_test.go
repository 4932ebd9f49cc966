package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

const testStation = "backyard"

const fiveMinutes = 300 * time.Second

func unix(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func testMeta() domain.StationMetadata {
	return domain.StationMetadata{
		ID:              testStation,
		Driver:          "mock",
		ArchiveInterval: fiveMinutes,
		Rules: map[string]domain.AggregationRule{
			"temp": domain.RuleMean,
			"rain": domain.RuleSum,
		},
	}
}

func temp(sec int64, v float64) domain.Reading {
	return domain.Reading{StationID: testStation, Time: unix(sec), Values: map[string]*float64{"temp": domain.Val(v)}}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mocks ---

type streamStep struct {
	reading domain.Reading
	err     error
}

// mockStream replays scripted steps, then either returns io.EOF or blocks
// until the context is cancelled.
type mockStream struct {
	mu    sync.Mutex
	steps []streamStep
	block bool
}

func (m *mockStream) Next(ctx context.Context) (domain.Reading, error) {
	m.mu.Lock()
	if len(m.steps) > 0 {
		s := m.steps[0]
		m.steps = m.steps[1:]
		m.mu.Unlock()
		return s.reading, s.err
	}
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return domain.Reading{}, ctx.Err()
	}
	return domain.Reading{}, io.EOF
}

func readings(rs ...domain.Reading) *mockStream {
	s := &mockStream{}
	for _, r := range rs {
		s.steps = append(s.steps, streamStep{reading: r})
	}
	return s
}

type mockStation struct {
	live       *mockStream
	backlog    *mockStream
	backlogErr error
	since      time.Time
}

func (m *mockStation) Readings() domain.ReadingStream { return m.live }

func (m *mockStation) Backlog(_ context.Context, since time.Time) (domain.ReadingStream, error) {
	m.since = since
	if m.backlogErr != nil {
		return nil, m.backlogErr
	}
	if m.backlog == nil {
		return nil, domain.ErrBacklogUnsupported
	}
	return m.backlog, nil
}

func (m *mockStation) IntervalLength() time.Duration { return fiveMinutes }

func (m *mockStation) Close() error { return nil }

// mockStore is an idempotent in-memory archive that can be told to fail.
type mockStore struct {
	mu       sync.Mutex
	records  map[time.Time]domain.ArchiveRecord
	order    []time.Time
	failures int
	failErr  error
	puts     int
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[time.Time]domain.ArchiveRecord)}
}

func (m *mockStore) Put(_ context.Context, rec domain.ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failErr != nil {
		return m.failErr
	}
	if m.failures > 0 {
		m.failures--
		return errors.New("database is locked")
	}
	if _, ok := m.records[rec.Time]; !ok {
		m.order = append(m.order, rec.Time)
	}
	m.records[rec.Time] = rec
	return nil
}

func (m *mockStore) Latest(_ context.Context, _ string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for t := range m.records {
		if t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *mockStore) setFailing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *mockStore) keys() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.order...)
}

func (m *mockStore) get(t time.Time) (domain.ArchiveRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[t]
	return rec, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds(kind domain.EventKind) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Event
	for _, ev := range p.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type memCheckpointer struct {
	mu    sync.Mutex
	saved map[string]domain.Checkpoint
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{saved: make(map[string]domain.Checkpoint)}
}

func (m *memCheckpointer) Save(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[cp.StationID] = cp
	return nil
}

func (m *memCheckpointer) Load(_ context.Context, stationID string) (domain.Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.saved[stationID]
	return cp, ok, nil
}

// open returns the checkpointed window, failing the test when there is none.
func (m *memCheckpointer) open(t *testing.T) domain.AccumulatorState {
	t.Helper()
	cp, ok, _ := m.Load(context.Background(), testStation)
	require.True(t, ok, "checkpoint saved")
	require.NotNil(t, cp.Open, "open window checkpointed")
	return *cp.Open
}
