package domain

import (
	"context"
	"maps"
	"slices"
	"time"
)

// ReadingStream is a lazy, blocking sequence of readings. Next returns io.EOF
// once a finite stream is exhausted.
type ReadingStream interface {
	Next(ctx context.Context) (Reading, error)
}

// Station is the capability every hardware family implements. Callers use
// only this interface; drivers that keep no logger memory return
// ErrBacklogUnsupported from Backlog.
type Station interface {
	// Readings returns the live stream. It is infinite for real hardware and
	// cannot be restarted: every call returns the same stream.
	Readings() ReadingStream

	// Backlog returns stored records newer than since, oldest first.
	Backlog(ctx context.Context, since time.Time) (ReadingStream, error)

	// IntervalLength is the archive interval Δ the station is configured for.
	IntervalLength() time.Duration

	Close() error
}

// StationMetadata is the read-only identity and aggregation setup of a
// station, loaded once at startup.
type StationMetadata struct {
	ID              string
	Location        string
	Latitude        float64
	Longitude       float64
	AltitudeMeters  float64
	Driver          string
	ArchiveInterval time.Duration
	Rules           map[string]AggregationRule
}

// Fields returns the configured field names in sorted order.
func (m StationMetadata) Fields() []string {
	return slices.Sorted(maps.Keys(m.Rules))
}
