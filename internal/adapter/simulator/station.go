// Package simulator implements a station driver that synthesizes plausible
// weather: diurnal temperature and humidity, a drifting barometer, gusty wind
// and the occasional shower. It can also expose a logger backlog so catch-up
// can be exercised without hardware.
package simulator

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// Options are the driver options accepted in the stations file.
type Options struct {
	// LoopInterval is the cadence of live readings.
	LoopInterval time.Duration `yaml:"loop_interval"`
	// Backlog is how much logger history the station holds. Zero means the
	// station has no logger memory.
	Backlog time.Duration `yaml:"backlog"`
	Seed    uint64        `yaml:"seed"`
}

// DefaultOptions returns the options used for unset keys.
func DefaultOptions() Options {
	return Options{LoopInterval: 2 * time.Second, Seed: 1}
}

// Station is a simulated station.
type Station struct {
	meta  domain.StationMetadata
	opts  Options
	clock clockwork.Clock

	mu  sync.Mutex
	rng *rand.Rand

	live *liveStream
}

// New creates a simulated station.
func New(meta domain.StationMetadata, opts Options, clock clockwork.Clock) *Station {
	if opts.LoopInterval <= 0 {
		opts.LoopInterval = DefaultOptions().LoopInterval
	}
	s := &Station{
		meta:  meta,
		opts:  opts,
		clock: clock,
		rng:   rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	s.live = &liveStream{station: s}
	return s
}

// Readings returns the live stream.
func (s *Station) Readings() domain.ReadingStream { return s.live }

// IntervalLength returns the configured archive interval.
func (s *Station) IntervalLength() time.Duration { return s.meta.ArchiveInterval }

// Close is a no-op.
func (s *Station) Close() error { return nil }

// Backlog returns the simulated logger's records with keys after since,
// oldest first, limited to the configured history.
func (s *Station) Backlog(_ context.Context, since time.Time) (domain.ReadingStream, error) {
	if s.opts.Backlog <= 0 {
		return nil, domain.ErrBacklogUnsupported
	}
	interval := s.meta.ArchiveInterval
	now := s.clock.Now()

	next := domain.AlignDown(now.Add(-s.opts.Backlog), interval).Add(interval)
	if !since.IsZero() && !since.Before(next) {
		next = domain.AlignDown(since, interval).Add(interval)
	}
	return &backlogStream{station: s, next: next, last: domain.AlignDown(now, interval), interval: interval}, nil
}

// ReadingAt synthesizes a reading stamped t, truncated to the second.
func (s *Station) ReadingAt(t time.Time) domain.Reading {
	t = t.UTC().Truncate(time.Second)
	return domain.Reading{StationID: s.meta.ID, Time: t, Values: s.observe(t)}
}

// observe synthesizes a sample for time t.
func (s *Station) observe(t time.Time) map[string]*float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := float64(t.Unix()%86400) / 86400
	diurnal := math.Sin(2 * math.Pi * (day - 0.375))
	noise := func(scale float64) float64 { return (s.rng.Float64()*2 - 1) * scale }

	wind := math.Max(0, 3+2*math.Sin(2*math.Pi*day*3)+noise(1.5))
	gust := wind + s.rng.Float64()*4
	rain := 0.0
	if s.rng.Float64() < 0.02 {
		rain = 0.2
	}

	values := map[string]*float64{
		"outTemp":     domain.Val(round(12+8*diurnal+noise(0.3), 1)),
		"outHumidity": domain.Val(round(math.Min(100, 65-20*diurnal+noise(2)), 0)),
		"barometer":   domain.Val(round(1013+4*math.Sin(2*math.Pi*float64(t.Unix())/604800)+noise(0.2), 1)),
		"windSpeed":   domain.Val(round(wind, 1)),
		"windGust":    domain.Val(round(gust, 1)),
		"windDir":     domain.Val(round(math.Mod(270+noise(45)+360, 360), 0)),
		"rain":        domain.Val(rain),
	}
	if wind < 0.5 {
		values["windDir"] = nil
	}
	return values
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

type liveStream struct {
	station *Station
}

// Next blocks until the next loop tick and returns a reading stamped with it.
func (l *liveStream) Next(ctx context.Context) (domain.Reading, error) {
	s := l.station
	select {
	case <-ctx.Done():
		return domain.Reading{}, ctx.Err()
	case now := <-s.clock.After(s.opts.LoopInterval):
		return s.ReadingAt(now), nil
	}
}

type backlogStream struct {
	station  *Station
	next     time.Time
	last     time.Time
	interval time.Duration
}

func (b *backlogStream) Next(ctx context.Context) (domain.Reading, error) {
	if err := ctx.Err(); err != nil {
		return domain.Reading{}, err
	}
	if b.next.After(b.last) {
		return domain.Reading{}, io.EOF
	}
	key := b.next
	b.next = b.next.Add(b.interval)
	mid := key.Add(-b.interval / 2)
	return domain.Reading{StationID: b.station.meta.ID, Time: key, Values: b.station.observe(mid)}, nil
}
