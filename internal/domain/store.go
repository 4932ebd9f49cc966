package domain

import (
	"context"
	"time"
)

// ArchiveStore is the durable, append-only record store. Put must be
// idempotent: writing a record whose (station, time) key exists replaces it.
type ArchiveStore interface {
	Put(ctx context.Context, rec ArchiveRecord) error
	// Latest returns the newest record key for the station, or false when the
	// station has no records.
	Latest(ctx context.Context, stationID string) (time.Time, bool, error)
}

// ArchiveReader lists stored records with keys in [from, to], oldest first.
type ArchiveReader interface {
	Records(ctx context.Context, stationID string, from, to time.Time) ([]ArchiveRecord, error)
}

// Checkpoint is what one acquisition session leaves for the next: the open
// interval, if any, and records the store had not accepted when it ended.
// Pending records are in key order and all precede Open.
type Checkpoint struct {
	StationID string            `json:"station_id"`
	Open      *AccumulatorState `json:"open,omitempty"`
	Pending   []ArchiveRecord   `json:"pending,omitempty"`
}

// Checkpointer persists a station's checkpoint across restarts.
type Checkpointer interface {
	Save(ctx context.Context, cp Checkpoint) error
	// Load returns the saved checkpoint for the station, or false when none
	// exists.
	Load(ctx context.Context, stationID string) (Checkpoint, bool, error)
}
