package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

const flushJobTimeout = 30 * time.Second

// FlushScheduler periodically retries the committers' queued records so a
// recovered store catches up even when a station is idle.
type FlushScheduler struct {
	scheduler  *gocron.Scheduler
	committers []*Committer
	interval   time.Duration
	logger     *slog.Logger
}

// NewFlushScheduler creates a FlushScheduler over the given committers.
func NewFlushScheduler(committers []*Committer, interval time.Duration, logger *slog.Logger) *FlushScheduler {
	return &FlushScheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		committers: committers,
		interval:   interval,
		logger:     logger,
	}
}

// Start schedules the flush job and starts the underlying scheduler.
func (f *FlushScheduler) Start() error {
	if f.interval <= 0 || len(f.committers) == 0 {
		f.logger.Info("retry flush disabled")
		return nil
	}

	_, err := f.scheduler.Every(f.interval).WaitForSchedule().SingletonMode().Do(f.FlushAll)
	if err != nil {
		return err
	}
	f.scheduler.StartAsync()
	return nil
}

// FlushAll runs one flush pass over every committer.
func (f *FlushScheduler) FlushAll() {
	ctx, cancel := context.WithTimeout(context.Background(), flushJobTimeout)
	defer cancel()

	for _, c := range f.committers {
		if c.Pending() == 0 {
			continue
		}
		if left := c.Flush(ctx); left > 0 {
			f.logger.Warn("retry queue not drained", "station", c.StationID(), "pending", left)
			continue
		}
		f.logger.Info("retry queue drained", "station", c.StationID())
	}
}

// Stop stops the scheduler and cancels any future runs.
func (f *FlushScheduler) Stop() {
	f.scheduler.Stop()
}
