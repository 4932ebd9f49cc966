package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/weather-archive-service/internal/adapter/checkpoint"
	httpadapter "github.com/couchcryptid/weather-archive-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/weather-archive-service/internal/adapter/kafka"
	"github.com/couchcryptid/weather-archive-service/internal/config"
	"github.com/couchcryptid/weather-archive-service/internal/dispatch"
	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
	"github.com/couchcryptid/weather-archive-service/internal/pipeline"
	"github.com/couchcryptid/weather-archive-service/internal/report"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Error("archiver stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) (err error) {
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}

	stations, err := config.LoadStations(cfg.StationsFile)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("archive store opened", "driver", cfg.StoreDriver)

	// Closed in reverse order of creation once every session has ended.
	closers := []namedCloser{{"store", store}}
	defer func() {
		var errs *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].closer.Close(); cerr != nil {
				errs = multierror.Append(errs, cerr)
				logger.Error("close error", "component", closers[i].name, "error", cerr)
			}
		}
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if terr := shutdownTracing(tctx); terr != nil {
			errs = multierror.Append(errs, terr)
		}
		if err == nil {
			err = errs.ErrorOrNil()
		}
	}()

	disp, err := newDispatcher(cfg, logger, metrics, &closers)
	if err != nil {
		return err
	}
	disp.Start()

	var checkpoints domain.Checkpointer
	if cfg.CheckpointDir != "" {
		fs, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		if err != nil {
			return err
		}
		checkpoints = fs
	}

	var (
		engines    []*pipeline.Engine
		committers []*pipeline.Committer
	)
	for _, sc := range stations {
		meta, err := sc.Metadata()
		if err != nil {
			return err
		}
		station, err := newStation(sc, meta, cfg, logger)
		if err != nil {
			return err
		}
		closers = append(closers, namedCloser{"station " + meta.ID, station})

		committer := pipeline.NewCommitter(meta.ID, store, disp, pipeline.CommitterConfig{
			WriteRetries:   cfg.StoreWriteRetries,
			RetryQueueSize: cfg.StoreRetryQueueSize,
			BackoffInitial: cfg.StoreBackoffInitial,
			BackoffMax:     cfg.StoreBackoffMax,
		}, logger, metrics)

		var opts []pipeline.EngineOption
		if checkpoints != nil {
			opts = append(opts, pipeline.WithCheckpointer(checkpoints))
		}
		engine := pipeline.NewEngine(meta, station, store, committer, disp, pipeline.EngineConfig{
			ReadRetryLimit:     cfg.ReadRetryLimit,
			ReadBackoffInitial: cfg.ReadBackoffInitial,
			ReadBackoffMax:     cfg.ReadBackoffMax,
			FutureTolerance:    cfg.FutureTolerance,
		}, logger, metrics, opts...)

		engines = append(engines, engine)
		committers = append(committers, committer)
		logger.Info("station configured", "station", meta.ID, "driver", meta.Driver,
			"interval", meta.ArchiveInterval, "location", meta.Location)
	}

	flusher := pipeline.NewFlushScheduler(committers, cfg.StoreFlushInterval, logger)
	if err := flusher.Start(); err != nil {
		return err
	}

	views := make([]httpadapter.StationEngine, 0, len(engines))
	for _, e := range engines {
		views = append(views, e)
	}
	srv := httpadapter.NewServer(cfg.HTTPAddr, views, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// A station session ending does not stop the others; each engine
	// returns on cancellation, end of stream or a fatal condition.
	var sessions errgroup.Group
	for _, e := range engines {
		sessions.Go(func() error {
			if err := e.Run(ctx); err != nil {
				logger.Error("station session failed", "station", e.StationID(), "error", err)
				return err
			}
			logger.Info("station session ended", "station", e.StationID())
			return nil
		})
	}
	runErr := sessions.Wait()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	flusher.Stop()
	flusher.FlushAll()
	for _, c := range committers {
		if n := c.Pending(); n > 0 {
			logger.Warn("records left unwritten in retry queue", "station", c.StationID(), "pending", n)
		}
	}
	if err := disp.Close(shutdownCtx); err != nil {
		logger.Error("dispatcher drain error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

type namedCloser struct {
	name   string
	closer io.Closer
}

func newDispatcher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, closers *[]namedCloser) (*dispatch.Dispatcher, error) {
	disp := dispatch.New(dispatch.Config{
		QueueSize:      cfg.DispatchQueueSize,
		PublishTimeout: cfg.DispatchPublishTimeout,
		HandlerTimeout: cfg.DispatchHandlerTimeout,
	}, logger, metrics)

	if cfg.ReportDir != "" {
		summarizer, err := report.NewSummarizer(cfg.ReportDir, logger)
		if err != nil {
			return nil, err
		}
		if err := disp.Subscribe("day-summary", summarizer.Handle, domain.EventNewArchiveRecord); err != nil {
			return nil, err
		}
	}

	if cfg.KafkaPublishEnabled {
		writer := kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaRecordsTopic, cfg.KafkaReadingsTopic, logger)
		*closers = append(*closers, namedCloser{"kafka writer", writer})
		kinds := []domain.EventKind{domain.EventNewArchiveRecord}
		if cfg.KafkaReadingsTopic != "" {
			kinds = append(kinds, domain.EventNewReading)
		}
		if err := disp.Subscribe("kafka-upload", writer.Handle, kinds...); err != nil {
			return nil, err
		}
		logger.Info("kafka upload enabled", "records_topic", cfg.KafkaRecordsTopic, "readings_topic", cfg.KafkaReadingsTopic)
	}
	return disp, nil
}
