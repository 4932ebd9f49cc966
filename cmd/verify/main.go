// Command verify checks the integrity of an archive store against the
// stations file: every record key is aligned to its station's interval,
// keys are strictly increasing, no interval between the first and last
// record is missing, and no-data records carry no values.
//
// Usage:
//
//	go run ./cmd/verify \
//	  -stations stations.yaml \
//	  -driver sqlite -dsn var/archive.db \
//	  -from 2024-06-01T00:00:00Z -to 2024-06-02T00:00:00Z
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/couchcryptid/weather-archive-service/internal/adapter/postgres"
	"github.com/couchcryptid/weather-archive-service/internal/adapter/sqlstore"
	"github.com/couchcryptid/weather-archive-service/internal/config"
	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// phase tracks pass/fail for one station check.
type phase struct {
	name    string
	records int
	errors  []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type reader interface {
	domain.ArchiveReader
	Close() error
}

func main() {
	stationsFile := flag.String("stations", "stations.yaml", "stations file listing ids and archive intervals")
	driver := flag.String("driver", config.StoreSQLite, "store driver: sqlite, mysql or postgres")
	dsn := flag.String("dsn", "", "store DSN")
	from := flag.String("from", "1970-01-01T00:00:00Z", "first record key to check (RFC 3339)")
	to := flag.String("to", "2100-01-01T00:00:00Z", "last record key to check (RFC 3339)")
	flag.Parse()

	if *dsn == "" {
		flag.Usage()
		os.Exit(1)
	}
	os.Exit(run(*stationsFile, *driver, *dsn, *from, *to))
}

func run(stationsFile, driver, dsn, fromStr, toStr string) int {
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid -from: %v\n", err)
		return 1
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid -to: %v\n", err)
		return 1
	}

	stations, err := config.LoadStations(stationsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := openReader(ctx, driver, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open store: %v\n", err)
		return 1
	}
	defer store.Close()

	fmt.Println("=== Weather Archive Integrity Verification ===")
	fmt.Println()

	var phases []*phase
	for _, sc := range stations {
		meta, err := sc.Metadata()
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			return 1
		}
		records, err := store.Records(ctx, meta.ID, from, to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: list records for %s: %v\n", meta.ID, err)
			return 1
		}
		phases = append(phases, verifyStation(meta, records))
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %6d records  %s\n", p.name, p.records, status)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll stations verified.")
		return 0
	}
	fmt.Println("\nVerification FAILED.")
	return 1
}

func openReader(ctx context.Context, driver, dsn string) (reader, error) {
	switch driver {
	case config.StoreSQLite:
		return sqlstore.Open(sqlstore.DialectSQLite, dsn)
	case config.StoreMySQL:
		return sqlstore.Open(sqlstore.DialectMySQL, dsn)
	case config.StorePostgres:
		return postgres.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// verifyStation checks one station's records, which must be ordered by key
// as ArchiveReader returns them.
func verifyStation(meta domain.StationMetadata, records []domain.ArchiveRecord) *phase {
	p := &phase{name: "station " + meta.ID, records: len(records)}
	interval := meta.ArchiveInterval

	for i, rec := range records {
		key := rec.Time.UTC().Format(time.RFC3339)
		if !domain.IsAligned(rec.Time, interval) {
			p.errorf("%s: key not aligned to %s", key, interval)
		}
		if rec.Interval != interval {
			p.errorf("%s: interval %s, station uses %s", key, rec.Interval, interval)
		}
		if rec.NoData {
			if rec.ReadingCount != 0 {
				p.errorf("%s: no-data record counts %d readings", key, rec.ReadingCount)
			}
			for _, f := range rec.Fields() {
				if _, ok := rec.Value(f); ok {
					p.errorf("%s: no-data record has value for %s", key, f)
				}
			}
		}
		if i == 0 {
			continue
		}
		prev := records[i-1].Time
		switch gap := rec.Time.Sub(prev); {
		case gap <= 0:
			p.errorf("%s: not after previous key %s", key, prev.UTC().Format(time.RFC3339))
		case gap != interval:
			p.errorf("%s: %d interval(s) missing after %s", key, int(gap/interval)-1, prev.UTC().Format(time.RFC3339))
		}
	}
	return p
}
