package domain

import "math"

// Accumulator keeps the running statistics of one open archive interval.
// It is not safe for concurrent use; the scheduler that owns it is the only
// caller.
type Accumulator struct {
	stationID string
	window    Window
	rules     map[string]AggregationRule
	stats     map[string]*FieldStats
	readings  int
	skipped   int
}

// AccumulatorState is the exportable form of an open interval, used to carry
// in-flight aggregation across a restart.
type AccumulatorState struct {
	StationID string                `json:"station_id"`
	Window    Window                `json:"window"`
	Readings  int                   `json:"readings"`
	Skipped   int                   `json:"skipped"`
	Fields    map[string]FieldStats `json:"fields"`
}

// Snapshot is a read-only view of an open interval's aggregates so far.
type Snapshot struct {
	StationID string              `json:"station_id"`
	Window    Window              `json:"window"`
	Readings  int                 `json:"readings"`
	Skipped   int                 `json:"skipped"`
	Values    map[string]*float64 `json:"values"`
}

// NewAccumulator opens an accumulator on the given window. Every field named
// in rules appears in the records it produces, null when unobserved.
func NewAccumulator(stationID string, w Window, rules map[string]AggregationRule) *Accumulator {
	return &Accumulator{
		stationID: stationID,
		window:    w,
		rules:     rules,
		stats:     make(map[string]*FieldStats),
	}
}

// RestoreAccumulator rebuilds an accumulator from an exported state.
func RestoreAccumulator(state AccumulatorState, rules map[string]AggregationRule) *Accumulator {
	a := NewAccumulator(state.StationID, state.Window, rules)
	a.readings = state.Readings
	a.skipped = state.Skipped
	for field, s := range state.Fields {
		a.stats[field] = &s
	}
	return a
}

// Window returns the interval currently accumulating.
func (a *Accumulator) Window() Window { return a.window }

// Readings returns how many readings the open interval has absorbed.
func (a *Accumulator) Readings() int { return a.readings }

// Skipped returns how many readings were rejected for falling outside the
// window. The count is cumulative over the accumulator's lifetime.
func (a *Accumulator) Skipped() int { return a.skipped }

// Add folds a reading into the open interval. NaN and infinite values count
// as missing. Readings outside the window are not absorbed: ErrLateReading
// means it precedes Start, ErrFutureReading means the caller must close the
// window first. Neither is fatal.
func (a *Accumulator) Add(r Reading) error {
	if r.Time.Before(a.window.Start) {
		a.skipped++
		return ErrLateReading
	}
	if !r.Time.Before(a.window.End) {
		a.skipped++
		return ErrFutureReading
	}
	for field, v := range r.Values {
		s, ok := a.stats[field]
		if !ok {
			s = &FieldStats{}
			a.stats[field] = s
		}
		if v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			s.observe(*v, r.Time)
		}
	}
	a.readings++
	return nil
}

// Snapshot reports the aggregates so far without changing state.
func (a *Accumulator) Snapshot() Snapshot {
	return Snapshot{
		StationID: a.stationID,
		Window:    a.window,
		Readings:  a.readings,
		Skipped:   a.skipped,
		Values:    a.values(),
	}
}

// Close finalizes the open interval into an archive record keyed by the
// window end and resets the accumulator onto the next window.
func (a *Accumulator) Close() ArchiveRecord {
	rec := ArchiveRecord{
		StationID:    a.stationID,
		Time:         a.window.End,
		Interval:     a.window.End.Sub(a.window.Start),
		Values:       a.values(),
		ReadingCount: a.readings,
		NoData:       a.readings == 0,
		Source:       SourceLive,
	}
	a.window = a.window.Next()
	a.stats = make(map[string]*FieldStats)
	a.readings = 0
	return rec
}

// State exports the open interval.
func (a *Accumulator) State() AccumulatorState {
	fields := make(map[string]FieldStats, len(a.stats))
	for field, s := range a.stats {
		fields[field] = *s
	}
	return AccumulatorState{
		StationID: a.stationID,
		Window:    a.window,
		Readings:  a.readings,
		Skipped:   a.skipped,
		Fields:    fields,
	}
}

func (a *Accumulator) values() map[string]*float64 {
	out := make(map[string]*float64, len(a.rules)+len(a.stats))
	for field := range a.rules {
		out[field] = nil
	}
	for field, s := range a.stats {
		out[field] = a.ruleFor(field).Reduce(*s)
	}
	return out
}

func (a *Accumulator) ruleFor(field string) AggregationRule {
	if r, ok := a.rules[field]; ok {
		return r
	}
	return RuleLast
}
