// Package postgres persists archive records in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a Postgres archive store over the archive table created by the
// embedded migrations.
type Store struct {
	db *sql.DB
}

// Open connects through the pgx driver, applies migrations and returns a store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an existing, already migrated connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate brings the schema up to date with the embedded migrations.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "archive_schema_migrations"})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Put upserts the record by (station, time).
func (s *Store) Put(ctx context.Context, rec domain.ArchiveRecord) error {
	vals, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("encode record values: %w", err)
	}

	const query = `
INSERT INTO archive (
	station_id,
	date_time,
	interval_seconds,
	reading_count,
	no_data,
	source,
	vals,
	updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
ON CONFLICT (station_id, date_time)
DO UPDATE SET
	interval_seconds = EXCLUDED.interval_seconds,
	reading_count = EXCLUDED.reading_count,
	no_data = EXCLUDED.no_data,
	source = EXCLUDED.source,
	vals = EXCLUDED.vals,
	updated_at = NOW()`

	_, err = s.db.ExecContext(ctx, query,
		rec.StationID,
		rec.Time.Unix(),
		int64(rec.Interval/time.Second),
		rec.ReadingCount,
		rec.NoData,
		string(rec.Source),
		string(vals),
	)
	if err != nil {
		return fmt.Errorf("upsert archive record: %w", err)
	}
	return nil
}

// Latest returns the newest record key for the station.
func (s *Store) Latest(ctx context.Context, stationID string) (time.Time, bool, error) {
	const query = `SELECT MAX(date_time) FROM archive WHERE station_id = $1`

	var latest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, stationID).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("query latest record: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), true, nil
}

// Records returns the station's records with keys in [from, to], oldest first.
func (s *Store) Records(ctx context.Context, stationID string, from, to time.Time) ([]domain.ArchiveRecord, error) {
	const query = `
SELECT date_time, interval_seconds, reading_count, no_data, source, vals
FROM archive
WHERE station_id = $1 AND date_time BETWEEN $2 AND $3
ORDER BY date_time ASC`

	rows, err := s.db.QueryContext(ctx, query, stationID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []domain.ArchiveRecord
	for rows.Next() {
		var (
			dateTime, interval int64
			rec                domain.ArchiveRecord
			source             string
			vals               []byte
		)
		if err := rows.Scan(&dateTime, &interval, &rec.ReadingCount, &rec.NoData, &source, &vals); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal(vals, &rec.Values); err != nil {
			return nil, fmt.Errorf("decode record %s|%d: %w", stationID, dateTime, err)
		}
		rec.StationID = stationID
		rec.Time = time.Unix(dateTime, 0).UTC()
		rec.Interval = time.Duration(interval) * time.Second
		rec.Source = domain.RecordSource(source)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
