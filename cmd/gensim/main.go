// Command gensim writes simulated station data as CSV fixtures for the csv
// station driver: a live file of loop readings and, optionally, a backlog
// file of interval records ending where the live file starts.
//
// Usage:
//
//	go run ./cmd/gensim \
//	  -station backyard -interval 5m -loop 10s \
//	  -start 2024-06-01T00:00:00Z -duration 6h \
//	  -out data/backyard_live.csv -backlog-out data/backyard_backlog.csv -backlog 24h
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-archive-service/internal/adapter/simulator"
	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

var columns = []string{"outTemp", "outHumidity", "barometer", "windSpeed", "windGust", "windDir", "rain"}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	stationID := flag.String("station", "sim", "station id stamped on the readings")
	interval := flag.Duration("interval", 5*time.Minute, "archive interval of the backlog records")
	loop := flag.Duration("loop", 10*time.Second, "spacing of live readings")
	startFlag := flag.String("start", "2024-06-01T00:00:00Z", "timestamp of the first live reading (RFC 3339)")
	duration := flag.Duration("duration", 6*time.Hour, "span of live readings")
	backlog := flag.Duration("backlog", 0, "span of backlog records before -start; 0 skips the backlog file")
	seed := flag.Uint64("seed", 1, "random seed")
	out := flag.String("out", "", "output path for live readings")
	backlogOut := flag.String("backlog-out", "", "output path for backlog records")
	flag.Parse()

	if *out == "" || (*backlog > 0 && *backlogOut == "") {
		flag.Usage()
		return fmt.Errorf("missing required flags: -out, and -backlog-out when -backlog is set")
	}
	start, err := time.Parse(time.RFC3339, *startFlag)
	if err != nil {
		return fmt.Errorf("invalid -start: %w", err)
	}

	meta := domain.StationMetadata{ID: *stationID, Driver: "simulator", ArchiveInterval: *interval}
	clock := clockwork.NewFakeClockAt(start)
	sim := simulator.New(meta, simulator.Options{LoopInterval: *loop, Backlog: *backlog, Seed: *seed}, clock)

	if *backlog > 0 {
		stream, err := sim.Backlog(context.Background(), time.Time{})
		if err != nil {
			return err
		}
		n, err := writeStream(*backlogOut, stream)
		if err != nil {
			return fmt.Errorf("write backlog: %w", err)
		}
		log.Printf("backlog: %d records -> %s", n, *backlogOut)
	}

	live := &sliceStream{}
	for t := start; t.Before(start.Add(*duration)); t = t.Add(*loop) {
		live.readings = append(live.readings, sim.ReadingAt(t))
	}
	n, err := writeStream(*out, live)
	if err != nil {
		return fmt.Errorf("write live readings: %w", err)
	}
	log.Printf("live: %d readings -> %s", n, *out)
	return nil
}

func writeStream(path string, stream domain.ReadingStream) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"dateTime"}, columns...)); err != nil {
		return 0, err
	}

	n := 0
	row := make([]string, len(columns)+1)
	for {
		r, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, err
		}
		row[0] = strconv.FormatInt(r.Time.Unix(), 10)
		for i, c := range columns {
			row[i+1] = ""
			if v, ok := r.Value(c); ok {
				row[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := w.Write(row); err != nil {
			return n, err
		}
		n++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return n, err
	}
	return n, f.Close()
}

type sliceStream struct {
	readings []domain.Reading
}

func (s *sliceStream) Next(context.Context) (domain.Reading, error) {
	if len(s.readings) == 0 {
		return domain.Reading{}, io.EOF
	}
	r := s.readings[0]
	s.readings = s.readings[1:]
	return r, nil
}
