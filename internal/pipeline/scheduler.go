package pipeline

import (
	"fmt"
	"time"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// SchedulerState is a position in the interval scheduler's lifecycle.
type SchedulerState int

const (
	StateAwaitingFirstReading SchedulerState = iota
	StateAccumulating
	StateClosing
	StateShutdown
)

func (s SchedulerState) String() string {
	switch s {
	case StateAwaitingFirstReading:
		return "awaiting_first_reading"
	case StateAccumulating:
		return "accumulating"
	case StateClosing:
		return "closing"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("SchedulerState(%d)", int(s))
	}
}

// Scheduler decides where the archive interval boundaries fall for one
// station and closes the open accumulator when a reading crosses one. It owns
// the accumulator exclusively and is not safe for concurrent use.
type Scheduler struct {
	stationID string
	interval  time.Duration
	rules     map[string]domain.AggregationRule

	state    SchedulerState
	acc      *domain.Accumulator
	floor    time.Time
	hasFloor bool
	dropped  int
}

// NewScheduler returns a scheduler awaiting its first reading.
func NewScheduler(meta domain.StationMetadata) *Scheduler {
	return &Scheduler{
		stationID: meta.ID,
		interval:  meta.ArchiveInterval,
		rules:     meta.Rules,
		state:     StateAwaitingFirstReading,
	}
}

// State returns the scheduler's current lifecycle state.
func (s *Scheduler) State() SchedulerState { return s.state }

// Dropped returns how many readings were discarded as out of order.
func (s *Scheduler) Dropped() int { return s.dropped }

// SetFloor records the key of the last committed archive record. The first
// window never starts before it, and intervals between it and the first
// reading are emitted as no-data records. Only valid before the first
// reading.
func (s *Scheduler) SetFloor(lastKey time.Time) {
	if s.state != StateAwaitingFirstReading {
		return
	}
	s.floor = domain.AlignDown(lastKey, s.interval)
	s.hasFloor = true
}

// Restore resumes an open window saved by a previous session. The window
// must match the station's interval and, with a floor set, start exactly at
// it: a window past the floor would leave the intervals between them without
// any record.
func (s *Scheduler) Restore(state domain.AccumulatorState) error {
	if s.state != StateAwaitingFirstReading {
		return fmt.Errorf("restore in state %s", s.state)
	}
	w := state.Window
	switch {
	case state.StationID != s.stationID:
		return fmt.Errorf("%w: station %q", domain.ErrStaleCheckpoint, state.StationID)
	case w.End.Sub(w.Start) != s.interval || !domain.IsAligned(w.Start, s.interval):
		return fmt.Errorf("%w: window %s does not fit interval %s", domain.ErrStaleCheckpoint, w, s.interval)
	case s.hasFloor && w.Start.Before(s.floor):
		return fmt.Errorf("%w: window %s precedes last record %s", domain.ErrStaleCheckpoint, w, s.floor.Format(time.RFC3339))
	case s.hasFloor && w.Start.After(s.floor):
		return fmt.Errorf("%w: window %s leaves a gap after last record %s", domain.ErrStaleCheckpoint, w, s.floor.Format(time.RFC3339))
	}
	s.acc = domain.RestoreAccumulator(state, s.rules)
	s.state = StateAccumulating
	return nil
}

// Route hands a reading to the open window. It returns the records of every
// window the reading's timestamp closed, oldest first; windows that saw no
// readings come back as no-data records. A reading older than the open
// window is dropped with ErrOutOfOrderReading and the window does not move.
func (s *Scheduler) Route(r domain.Reading) ([]domain.ArchiveRecord, error) {
	switch s.state {
	case StateShutdown:
		return nil, domain.ErrSchedulerShutdown
	case StateAwaitingFirstReading:
		if s.hasFloor && r.Time.Before(s.floor) {
			return nil, s.drop(r, s.floor)
		}
		s.open(r.Time)
	}

	if start := s.acc.Window().Start; r.Time.Before(start) {
		return nil, s.drop(r, start)
	}

	var closed []domain.ArchiveRecord
	for !r.Time.Before(s.acc.Window().End) {
		s.state = StateClosing
		closed = append(closed, s.acc.Close())
	}
	s.state = StateAccumulating

	if err := s.acc.Add(r); err != nil {
		return closed, fmt.Errorf("route reading at %s: %w", r.Time.Format(time.RFC3339), err)
	}
	return closed, nil
}

// Snapshot returns the open window's aggregates, or false before the first
// reading and after shutdown.
func (s *Scheduler) Snapshot() (domain.Snapshot, bool) {
	if s.acc == nil || s.state == StateShutdown {
		return domain.Snapshot{}, false
	}
	return s.acc.Snapshot(), true
}

// Shutdown stops the scheduler without closing the open window, returning
// its state so a later session can continue it. The boolean is false when
// no window was open.
func (s *Scheduler) Shutdown() (domain.AccumulatorState, bool) {
	if s.state == StateShutdown {
		return domain.AccumulatorState{}, false
	}
	s.state = StateShutdown
	if s.acc == nil {
		return domain.AccumulatorState{}, false
	}
	return s.acc.State(), true
}

// open places the first window. With a floor the window starts there so
// that the gap up to the reading is closed as no-data records.
func (s *Scheduler) open(t time.Time) {
	w := domain.WindowAt(t, s.interval)
	if s.hasFloor && s.floor.Before(w.Start) {
		w = domain.Window{Start: s.floor, End: s.floor.Add(s.interval)}
	}
	s.acc = domain.NewAccumulator(s.stationID, w, s.rules)
	s.state = StateAccumulating
}

func (s *Scheduler) drop(r domain.Reading, bound time.Time) error {
	s.dropped++
	return fmt.Errorf("%w: reading at %s is before %s",
		domain.ErrOutOfOrderReading, r.Time.Format(time.RFC3339), bound.Format(time.RFC3339))
}
