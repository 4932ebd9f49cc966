// Package sqlstore persists archive records in SQLite or MySQL through GORM.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// Supported dialects.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// archiveRow is the archive table layout. Like the classic weather archive it
// is keyed by station and the interval's end as Unix seconds.
type archiveRow struct {
	StationID       string `gorm:"column:station_id;primaryKey;size:64"`
	DateTime        int64  `gorm:"column:date_time;primaryKey;autoIncrement:false"`
	IntervalSeconds int64  `gorm:"column:interval_seconds;not null"`
	ReadingCount    int    `gorm:"column:reading_count;not null"`
	NoData          bool   `gorm:"column:no_data;not null"`
	Source          string `gorm:"column:source;size:16;not null"`
	Vals            string `gorm:"column:vals;type:text;not null"`
}

func (archiveRow) TableName() string { return "archive" }

// Store is a GORM-backed archive store.
type Store struct {
	db *gorm.DB
}

// Open connects to the database, creating the archive table if needed.
func Open(dialect, dsn string) (*Store, error) {
	dialector, err := newDialector(dialect, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s archive: %w", dialect, err)
	}
	if err := db.AutoMigrate(&archiveRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s archive: %w", dialect, err)
	}
	return &Store{db: db}, nil
}

func newDialector(dialect, dsn string) (gorm.Dialector, error) {
	switch dialect {
	case DialectSQLite:
		if dsn == "" {
			return nil, errors.New("sqlite database path cannot be empty")
		}
		return sqlite.Open(dsn), nil
	case DialectMySQL:
		normalized, err := MySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		return mysql.Open(normalized), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// MySQLDSN validates a MySQL DSN and forces the options the store relies on:
// UTC timestamps and parsed time values.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Put upserts the record by (station, time).
func (s *Store) Put(ctx context.Context, rec domain.ArchiveRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "station_id"}, {Name: "date_time"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert archive record: %w", err)
	}
	return nil
}

// Latest returns the newest record key for the station.
func (s *Store) Latest(ctx context.Context, stationID string) (time.Time, bool, error) {
	var row archiveRow
	err := s.db.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("date_time DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest record: %w", err)
	}
	return time.Unix(row.DateTime, 0).UTC(), true, nil
}

// Records returns the station's records with keys in [from, to], oldest first.
func (s *Store) Records(ctx context.Context, stationID string, from, to time.Time) ([]domain.ArchiveRecord, error) {
	var rows []archiveRow
	err := s.db.WithContext(ctx).
		Where("station_id = ? AND date_time BETWEEN ? AND ?", stationID, from.Unix(), to.Unix()).
		Order("date_time ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	out := make([]domain.ArchiveRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec domain.ArchiveRecord) (archiveRow, error) {
	vals, err := json.Marshal(rec.Values)
	if err != nil {
		return archiveRow{}, fmt.Errorf("encode record values: %w", err)
	}
	return archiveRow{
		StationID:       rec.StationID,
		DateTime:        rec.Time.Unix(),
		IntervalSeconds: int64(rec.Interval / time.Second),
		ReadingCount:    rec.ReadingCount,
		NoData:          rec.NoData,
		Source:          string(rec.Source),
		Vals:            string(vals),
	}, nil
}

func fromRow(row archiveRow) (domain.ArchiveRecord, error) {
	var vals map[string]*float64
	if err := json.Unmarshal([]byte(row.Vals), &vals); err != nil {
		return domain.ArchiveRecord{}, fmt.Errorf("decode record %s|%d: %w", row.StationID, row.DateTime, err)
	}
	return domain.ArchiveRecord{
		StationID:    row.StationID,
		Time:         time.Unix(row.DateTime, 0).UTC(),
		Interval:     time.Duration(row.IntervalSeconds) * time.Second,
		Values:       vals,
		ReadingCount: row.ReadingCount,
		NoData:       row.NoData,
		Source:       domain.RecordSource(row.Source),
	}, nil
}
