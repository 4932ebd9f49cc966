package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// RecordSource tells where an archive record came from.
type RecordSource string

const (
	SourceLive    RecordSource = "live"
	SourceBacklog RecordSource = "backlog"
)

// ArchiveRecord is one finalized interval. It is keyed by (StationID, Time),
// where Time is the END of the interval it summarizes.
type ArchiveRecord struct {
	StationID    string              `json:"station_id"`
	Time         time.Time           `json:"time"`
	Interval     time.Duration       `json:"interval"`
	Values       map[string]*float64 `json:"values"`
	ReadingCount int                 `json:"reading_count"`
	NoData       bool                `json:"no_data,omitempty"`
	Source       RecordSource        `json:"source"`
}

// Key returns a deterministic identifier for the record, stable across
// restarts and replays, so downstream upserts stay idempotent.
func (r ArchiveRecord) Key() string {
	return fmt.Sprintf("%s|%d", r.StationID, r.Time.Unix())
}

// Window returns the interval the record summarizes.
func (r ArchiveRecord) Window() Window {
	return Window{Start: r.Time.Add(-r.Interval), End: r.Time}
}

// Value returns a field value and whether it is non-null.
func (r ArchiveRecord) Value(field string) (float64, bool) {
	v, ok := r.Values[field]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Fields returns the record's field names in sorted order.
func (r ArchiveRecord) Fields() []string {
	return slices.Sorted(maps.Keys(r.Values))
}

// RecordFromBacklog converts a logger-stored reading into an archive record.
// The device is trusted to have aggregated the interval already, so values
// are copied verbatim and the reading's timestamp is the record key.
func RecordFromBacklog(r Reading, interval time.Duration) ArchiveRecord {
	return ArchiveRecord{
		StationID: r.StationID,
		Time:      r.Time.UTC(),
		Interval:  interval,
		Values:    cloneValues(r.Values),
		Source:    SourceBacklog,
	}
}
