package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
)

const checkpointSaveTimeout = 5 * time.Second

// gapWarnRecords is how many records a single reading may close before the
// engine reports the gap as an outage.
const gapWarnRecords = 12

// EngineConfig tunes device retry and clock-skew handling.
type EngineConfig struct {
	ReadRetryLimit     int
	ReadBackoffInitial time.Duration
	ReadBackoffMax     time.Duration
	// FutureTolerance drops readings stamped further than this ahead of the
	// local clock. Zero disables the check.
	FutureTolerance time.Duration
}

// Status is a point-in-time view of an engine for the HTTP status endpoint.
type Status struct {
	StationID   string           `json:"station_id"`
	State       string           `json:"state"`
	LastReading time.Time        `json:"last_reading,omitzero"`
	LastRecord  time.Time        `json:"last_record,omitzero"`
	Dropped     int              `json:"dropped"`
	Pending     int              `json:"pending"`
	Open        *domain.Snapshot `json:"open,omitempty"`
}

// Engine runs the acquisition session of one station: catch-up, then the
// live read-route-commit loop. Each engine owns its scheduler; several
// engines can share a process.
type Engine struct {
	meta        domain.StationMetadata
	station     domain.Station
	store       domain.ArchiveStore
	committer   *Committer
	checkpoints domain.Checkpointer
	publisher   Publisher
	cfg         EngineConfig
	clock       clockwork.Clock
	logger      *slog.Logger
	metrics     *observability.Metrics

	ready  atomic.Bool
	status atomic.Pointer[Status]
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used for backoff and clock-skew checks.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

// WithCheckpointer enables saving the open window and any uncommitted records
// on shutdown, and resuming from them on the next run.
func WithCheckpointer(cp domain.Checkpointer) EngineOption {
	return func(e *Engine) { e.checkpoints = cp }
}

// NewEngine creates an Engine for one station.
func NewEngine(meta domain.StationMetadata, station domain.Station, store domain.ArchiveStore, committer *Committer, publisher Publisher, cfg EngineConfig, logger *slog.Logger, metrics *observability.Metrics, opts ...EngineOption) *Engine {
	if cfg.ReadRetryLimit < 1 {
		cfg.ReadRetryLimit = 1
	}
	e := &Engine{
		meta:      meta,
		station:   station,
		store:     store,
		committer: committer,
		publisher: publisher,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		logger:    logger.With("station", meta.ID),
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.status.Store(&Status{StationID: meta.ID, State: StateAwaitingFirstReading.String()})
	return e
}

// StationID returns the station this engine serves.
func (e *Engine) StationID() string { return e.meta.ID }

// CheckReadiness returns nil once catch-up has finished and the engine is
// consuming live readings.
func (e *Engine) CheckReadiness(_ context.Context) error {
	if !e.ready.Load() {
		return fmt.Errorf("station %s: acquisition not started", e.meta.ID)
	}
	return nil
}

// Status returns the latest status snapshot. Safe for concurrent use.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// Run executes the session until the context is cancelled, the live stream
// ends, or a fatal device or store condition occurs. On every exit the open
// window is left unclosed and, with a checkpointer, saved for the next run
// together with any records the store has not accepted.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "interval", e.meta.ArchiveInterval)
	running := e.metrics.StationRunning.WithLabelValues(e.meta.ID)
	running.Set(1)
	defer running.Set(0)
	defer e.ready.Store(false)

	sched := NewScheduler(e.meta)
	cp := e.loadCheckpoint(ctx)

	catchUp := NewCatchUp(e.meta, e.station, e.store, e.committer, e.logger, e.metrics)
	if n := len(cp.Pending); n > 0 {
		if err := e.replay(ctx, cp.Pending); err != nil {
			return err
		}
		catchUp.After(cp.Pending[n-1].Time)
	}

	res, err := catchUp.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Info("engine stopping during catch-up", "reason", ctx.Err())
			return nil
		}
		return fmt.Errorf("station %s: catch-up: %w", e.meta.ID, err)
	}
	if res.HasLatest {
		sched.SetFloor(res.Latest)
	}
	if cp.Open != nil {
		e.restore(sched, *cp.Open)
	}
	e.ready.Store(true)

	stranded, err := e.loop(ctx, sched, res.Latest)
	e.shutdown(ctx, sched, stranded)
	return err
}

// loop reads, routes and commits until the session ends. When a commit fails
// fatally, the records of that batch the committer never took are returned
// so they can be checkpointed.
func (e *Engine) loop(ctx context.Context, sched *Scheduler, lastRecord time.Time) ([]domain.ArchiveRecord, error) {
	stream := e.station.Readings()
	st := Status{StationID: e.meta.ID}

	for {
		r, err := e.read(ctx, stream)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			e.logger.Info("engine stopping", "reason", ctx.Err())
			return nil, nil
		case errors.Is(err, io.EOF):
			e.logger.Info("reading stream ended")
			return nil, nil
		default:
			return nil, err
		}

		if r.StationID == "" {
			r.StationID = e.meta.ID
		}
		if e.cfg.FutureTolerance > 0 && r.Time.Sub(e.clock.Now()) > e.cfg.FutureTolerance {
			e.metrics.ReadingsDropped.WithLabelValues(e.meta.ID, "clock_skew").Inc()
			e.logger.Warn("reading dropped", "timestamp", r.Time,
				"error", fmt.Errorf("%w: %s ahead", domain.ErrClockSkew, r.Time.Sub(e.clock.Now())))
			continue
		}

		records, err := sched.Route(r)
		if len(records) > gapWarnRecords {
			e.logger.Warn("long gap closed as no-data records",
				"records", len(records), "from", records[0].Time, "to", records[len(records)-1].Time)
		}
		for i, rec := range records {
			if cerr := e.committer.Commit(ctx, rec); cerr != nil {
				return records[i:], fmt.Errorf("station %s: %w", e.meta.ID, cerr)
			}
			lastRecord = rec.Time
		}
		if err != nil {
			e.metrics.ReadingsDropped.WithLabelValues(e.meta.ID, "out_of_order").Inc()
			e.logger.Warn("reading dropped", "timestamp", r.Time, "error", err)
		} else {
			e.metrics.ReadingsReceived.WithLabelValues(e.meta.ID).Inc()
			e.publisher.Publish(ctx, domain.NewReadingEvent(r))
			st.LastReading = r.Time
		}

		st.State = sched.State().String()
		st.LastRecord = lastRecord
		st.Dropped = sched.Dropped()
		st.Pending = e.committer.Pending()
		st.Open = nil
		if snap, ok := sched.Snapshot(); ok {
			st.Open = &snap
		}
		published := st
		e.status.Store(&published)
	}
}

// read pulls the next live reading, retrying device failures with
// exponential backoff until the retry limit is reached.
func (e *Engine) read(ctx context.Context, stream domain.ReadingStream) (domain.Reading, error) {
	backoff := e.cfg.ReadBackoffInitial
	for attempt := 1; ; attempt++ {
		r, err := stream.Next(ctx)
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil || errors.Is(err, io.EOF) {
			return domain.Reading{}, err
		}

		readErr := &domain.DeviceReadError{StationID: e.meta.ID, Attempt: attempt, Err: err}
		e.metrics.DeviceReadErrors.WithLabelValues(e.meta.ID).Inc()
		if attempt >= e.cfg.ReadRetryLimit {
			e.logger.Error("device read failed, giving up", "attempts", attempt, "error", err)
			return domain.Reading{}, fmt.Errorf("%w: %w", domain.ErrDeviceFatal, readErr)
		}
		e.logger.Warn("device read failed, retrying", "error", readErr, "backoff", backoff)
		if !sleepWithContext(ctx, e.clock, backoff) {
			return domain.Reading{}, ctx.Err()
		}
		backoff = retry.NextBackoff(backoff, e.cfg.ReadBackoffMax)
	}
}

// loadCheckpoint reads the station's checkpoint. A missing or unreadable
// checkpoint comes back empty.
func (e *Engine) loadCheckpoint(ctx context.Context) domain.Checkpoint {
	if e.checkpoints == nil {
		return domain.Checkpoint{}
	}
	cp, ok, err := e.checkpoints.Load(ctx, e.meta.ID)
	if err != nil {
		e.logger.Warn("checkpoint load failed, starting a fresh window", "error", err)
		return domain.Checkpoint{}
	}
	if !ok {
		return domain.Checkpoint{}
	}
	if cp.StationID != "" && cp.StationID != e.meta.ID {
		e.logger.Warn("checkpoint discarded", "error",
			fmt.Errorf("%w: station %q", domain.ErrStaleCheckpoint, cp.StationID))
		return domain.Checkpoint{}
	}
	return cp
}

// replay hands records left over by the previous session back to the
// committer ahead of anything new. The store may still refuse them, in which
// case they wait in the retry queue.
func (e *Engine) replay(ctx context.Context, pending []domain.ArchiveRecord) error {
	for _, rec := range pending {
		if err := e.committer.Commit(ctx, rec); err != nil {
			return fmt.Errorf("station %s: replay checkpointed records: %w", e.meta.ID, err)
		}
	}
	e.logger.Info("replayed checkpointed records",
		"records", len(pending), "still_queued", e.committer.Pending())
	return nil
}

// restore resumes a checkpointed window if it still fits the archive.
func (e *Engine) restore(sched *Scheduler, state domain.AccumulatorState) {
	if err := sched.Restore(state); err != nil {
		e.logger.Warn("checkpoint discarded", "error", err)
		return
	}
	e.logger.Info("resumed open window from checkpoint",
		"window", state.Window.String(), "readings", state.Readings)
}

// shutdown stops the scheduler, gives the retry queue a last chance and saves
// whatever is still in flight. The caller's context is usually cancelled by
// now, so the final writes get their own deadline.
func (e *Engine) shutdown(ctx context.Context, sched *Scheduler, stranded []domain.ArchiveRecord) {
	state, open := sched.Shutdown()
	st := e.Status()
	st.State = sched.State().String()
	e.status.Store(&st)

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointSaveTimeout)
	defer cancel()

	pending := stranded
	if e.committer.Flush(saveCtx) > 0 {
		pending = append(e.committer.Queued(), stranded...)
	}
	if e.checkpoints == nil {
		if len(pending) > 0 {
			e.logger.Error("no checkpoint configured, uncommitted records will be lost", "records", len(pending))
		}
		return
	}

	cp := domain.Checkpoint{StationID: e.meta.ID, Pending: pending}
	if open {
		cp.Open = &state
	}
	if err := e.checkpoints.Save(saveCtx, cp); err != nil {
		e.logger.Error("checkpoint save failed, open window and uncommitted records will be lost",
			"records", len(pending), "error", err)
		return
	}
	if open {
		e.logger.Info("open window checkpointed",
			"window", state.Window.String(), "readings", state.Readings, "pending", len(pending))
	} else if len(pending) > 0 {
		e.logger.Info("uncommitted records checkpointed", "pending", len(pending))
	}
}
