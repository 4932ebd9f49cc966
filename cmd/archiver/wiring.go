package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-archive-service/internal/adapter/csvfile"
	kafkaadapter "github.com/couchcryptid/weather-archive-service/internal/adapter/kafka"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/memory"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/postgres"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/simulator"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/weather-archive-service/internal/config"
	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// archiveStore is what every store backend provides.
type archiveStore interface {
	domain.ArchiveStore
	domain.ArchiveReader
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (archiveStore, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StoreSQLite:
		return sqlstore.Open(sqlstore.DialectSQLite, cfg.StoreDSN)
	case config.StoreMySQL:
		return sqlstore.Open(sqlstore.DialectMySQL, cfg.StoreDSN)
	case config.StorePostgres:
		return postgres.Open(ctx, cfg.StoreDSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}

func newStation(sc config.StationConfig, meta domain.StationMetadata, cfg *config.Config, logger *slog.Logger) (domain.Station, error) {
	clock := clockwork.NewRealClock()
	switch sc.Driver {
	case config.DriverSimulator:
		opts := simulator.DefaultOptions()
		if err := config.DecodeOptions(sc.Options, &opts); err != nil {
			return nil, fmt.Errorf("station %s: %w", sc.ID, err)
		}
		return simulator.New(meta, opts, clock), nil
	case config.DriverCSV:
		var opts csvfile.Options
		if err := config.DecodeOptions(sc.Options, &opts); err != nil {
			return nil, fmt.Errorf("station %s: %w", sc.ID, err)
		}
		return csvfile.New(meta, opts, clock)
	case config.DriverKafka:
		opts := kafkaadapter.Options{Brokers: cfg.KafkaBrokers}
		if err := config.DecodeOptions(sc.Options, &opts); err != nil {
			return nil, fmt.Errorf("station %s: %w", sc.ID, err)
		}
		return kafkaadapter.NewStation(meta, opts, logger.With("station", sc.ID))
	default:
		return nil, fmt.Errorf("station %s: unsupported driver %q", sc.ID, sc.Driver)
	}
}
