package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
)

const tracerName = "github.com/couchcryptid/weather-archive-service/internal/pipeline"

// Publisher receives committed-record and new-reading notifications. It must
// not block the caller beyond a bounded wait.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// CommitterConfig bounds the committer's retry behavior.
type CommitterConfig struct {
	WriteRetries   int
	RetryQueueSize int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// CommitterOption customizes a Committer.
type CommitterOption func(*Committer)

// WithCommitterClock sets the clock used for retry backoff.
func WithCommitterClock(clock clockwork.Clock) CommitterOption {
	return func(c *Committer) { c.clock = clock }
}

// WithTracerProvider sets the provider commit spans are recorded with.
func WithTracerProvider(tp trace.TracerProvider) CommitterOption {
	return func(c *Committer) { c.tracer = tp.Tracer(tracerName) }
}

// Committer writes archive records for one station in key order. Records the
// store keeps refusing are parked in a bounded in-memory queue and retried
// ahead of any newer record, so a store outage delays records but never
// reorders or discards them.
type Committer struct {
	stationID string
	store     domain.ArchiveStore
	publisher Publisher
	cfg       CommitterConfig
	clock     clockwork.Clock
	tracer    trace.Tracer
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu    sync.Mutex
	queue []domain.ArchiveRecord
}

// NewCommitter creates a Committer for the station's records.
func NewCommitter(stationID string, store domain.ArchiveStore, publisher Publisher, cfg CommitterConfig, logger *slog.Logger, metrics *observability.Metrics, opts ...CommitterOption) *Committer {
	if cfg.WriteRetries < 1 {
		cfg.WriteRetries = 1
	}
	if cfg.RetryQueueSize < 1 {
		cfg.RetryQueueSize = 1
	}
	c := &Committer{
		stationID: stationID,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With("station", stationID),
		metrics:   metrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commit persists rec after any queued records. A record that cannot be
// written is queued rather than lost; the only error is ErrStoreFatal, when
// the queue is full.
func (c *Committer) Commit(ctx context.Context, rec domain.ArchiveRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) > 0 {
		c.drainLocked(ctx)
	}
	if len(c.queue) > 0 {
		return c.enqueueLocked(rec)
	}

	if err := c.putWithRetry(ctx, rec); err != nil {
		c.logger.Error("archive write failed, queued for retry",
			"timestamp", rec.Time, "error", err)
		return c.enqueueLocked(rec)
	}
	return nil
}

// Flush retries queued records, oldest first, stopping at the first failure.
// It returns the number of records still queued.
func (c *Committer) Flush(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		c.drainLocked(ctx)
	}
	return len(c.queue)
}

// Pending returns the number of queued records.
func (c *Committer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Queued returns a copy of the queued records, oldest first.
func (c *Committer) Queued() []domain.ArchiveRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ArchiveRecord(nil), c.queue...)
}

// StationID returns the station whose records this committer writes.
func (c *Committer) StationID() string { return c.stationID }

func (c *Committer) drainLocked(ctx context.Context) {
	for len(c.queue) > 0 {
		rec := c.queue[0]
		if err := c.put(ctx, rec, 1); err != nil {
			c.logger.Warn("retry queue still blocked",
				"pending", len(c.queue), "timestamp", rec.Time, "error", err)
			break
		}
		c.queue = c.queue[1:]
	}
	c.metrics.RetryQueueDepth.WithLabelValues(c.stationID).Set(float64(len(c.queue)))
}

func (c *Committer) enqueueLocked(rec domain.ArchiveRecord) error {
	if len(c.queue) >= c.cfg.RetryQueueSize {
		return fmt.Errorf("%w: station %s: retry queue full with %d records",
			domain.ErrStoreFatal, c.stationID, len(c.queue))
	}
	c.queue = append(c.queue, rec)
	c.metrics.RetryQueueDepth.WithLabelValues(c.stationID).Set(float64(len(c.queue)))
	return nil
}

func (c *Committer) putWithRetry(ctx context.Context, rec domain.ArchiveRecord) error {
	backoff := c.cfg.BackoffInitial
	var err error
	for attempt := 1; attempt <= c.cfg.WriteRetries; attempt++ {
		if err = c.put(ctx, rec, attempt); err == nil {
			return nil
		}
		if attempt == c.cfg.WriteRetries || !sleepWithContext(ctx, c.clock, backoff) {
			break
		}
		backoff = retry.NextBackoff(backoff, c.cfg.BackoffMax)
	}
	return err
}

// put performs one store write inside a span and publishes the record on
// success.
func (c *Committer) put(ctx context.Context, rec domain.ArchiveRecord, attempt int) error {
	ctx, span := c.tracer.Start(ctx, "archive.put", trace.WithAttributes(
		attribute.String("station", rec.StationID),
		attribute.Int64("record.time", rec.Time.Unix()),
		attribute.Bool("record.no_data", rec.NoData),
		attribute.String("record.source", string(rec.Source)),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	start := c.clock.Now()
	err := c.store.Put(ctx, rec)
	c.metrics.CommitDuration.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		werr := &domain.StoreWriteError{StationID: rec.StationID, Time: rec.Time, Err: err}
		span.RecordError(werr)
		span.SetStatus(codes.Error, "store write failed")
		c.metrics.StoreWriteErrors.WithLabelValues(c.stationID).Inc()
		return werr
	}

	c.metrics.RecordsArchived.WithLabelValues(c.stationID, string(rec.Source)).Inc()
	if rec.NoData {
		c.metrics.NoDataRecords.WithLabelValues(c.stationID).Inc()
	}
	c.logger.Debug("archive record committed",
		"timestamp", rec.Time, "readings", rec.ReadingCount, "no_data", rec.NoData, "source", rec.Source)
	c.publisher.Publish(ctx, domain.NewRecordEvent(rec))
	return nil
}
