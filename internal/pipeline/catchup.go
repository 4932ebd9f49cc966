package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
)

// CatchUpResult reports what a catch-up pass did. Latest is the key of the
// newest record the store holds (or has queued) afterwards.
type CatchUpResult struct {
	Latest    time.Time
	HasLatest bool
	Committed int
	Skipped   int
}

// CatchUp copies a station's logger backlog into the archive before live
// scheduling starts.
type CatchUp struct {
	meta      domain.StationMetadata
	station   domain.Station
	store     domain.ArchiveStore
	committer *Committer
	logger    *slog.Logger
	metrics   *observability.Metrics

	handed    time.Time
	hasHanded bool
}

// NewCatchUp creates a CatchUp for one station.
func NewCatchUp(meta domain.StationMetadata, station domain.Station, store domain.ArchiveStore, committer *Committer, logger *slog.Logger, metrics *observability.Metrics) *CatchUp {
	return &CatchUp{
		meta:      meta,
		station:   station,
		store:     store,
		committer: committer,
		logger:    logger.With("station", meta.ID),
		metrics:   metrics,
	}
}

// After marks key as already handed to the committer, so the backlog resumes
// past it even while the store has not caught up.
func (c *CatchUp) After(key time.Time) *CatchUp {
	c.handed, c.hasHanded = key.UTC(), true
	return c
}

// Run drains the backlog newer than the store's latest record. Backlog
// problems are logged and tolerated since the capability is optional; only a
// failing store or cancellation is returned as an error.
func (c *CatchUp) Run(ctx context.Context) (CatchUpResult, error) {
	var res CatchUpResult

	latest, ok, err := c.store.Latest(ctx, c.meta.ID)
	if err != nil {
		return res, fmt.Errorf("read latest record: %w", err)
	}
	if c.hasHanded && (!ok || c.handed.After(latest)) {
		latest, ok = c.handed, true
	}
	res.Latest, res.HasLatest = latest, ok

	stream, err := c.station.Backlog(ctx, latest)
	if errors.Is(err, domain.ErrBacklogUnsupported) {
		c.logger.Info("station has no backlog, skipping catch-up")
		return res, nil
	}
	if err != nil {
		c.logger.Warn("backlog unavailable, skipping catch-up", "error", err)
		return res, nil
	}

	interval := c.station.IntervalLength()
	for {
		r, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			c.logger.Warn("backlog read failed, ending catch-up early", "error", err)
			break
		}
		if r.StationID == "" {
			r.StationID = c.meta.ID
		}

		if !domain.IsAligned(r.Time, interval) || (res.HasLatest && !r.Time.After(res.Latest)) {
			res.Skipped++
			c.metrics.BacklogSkipped.WithLabelValues(c.meta.ID).Inc()
			c.logger.Debug("backlog record skipped", "timestamp", r.Time)
			continue
		}

		if err := c.committer.Commit(ctx, domain.RecordFromBacklog(r, interval)); err != nil {
			return res, err
		}
		res.Latest, res.HasLatest = r.Time.UTC(), true
		res.Committed++
	}

	c.logger.Info("catch-up complete",
		"committed", res.Committed, "skipped", res.Skipped, "latest", res.Latest)
	return res, nil
}
