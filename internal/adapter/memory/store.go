// Package memory provides an in-process archive store for development and
// tests. Records do not survive a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
)

// Store keeps archive records per station, sorted by key.
type Store struct {
	mu      sync.RWMutex
	records map[string][]domain.ArchiveRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string][]domain.ArchiveRecord)}
}

// Put inserts rec, replacing any record with the same key.
func (s *Store) Put(_ context.Context, rec domain.ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.records[rec.StationID]
	i, found := slices.BinarySearchFunc(recs, rec.Time, func(r domain.ArchiveRecord, t time.Time) int {
		return r.Time.Compare(t)
	})
	if found {
		recs[i] = rec
		return nil
	}
	s.records[rec.StationID] = slices.Insert(recs, i, rec)
	return nil
}

// Latest returns the newest key for the station.
func (s *Store) Latest(_ context.Context, stationID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[stationID]
	if len(recs) == 0 {
		return time.Time{}, false, nil
	}
	return recs[len(recs)-1].Time, true, nil
}

// Records returns the station's records with keys in [from, to].
func (s *Store) Records(_ context.Context, stationID string, from, to time.Time) ([]domain.ArchiveRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.ArchiveRecord
	for _, r := range s.records[stationID] {
		if r.Time.Before(from) || r.Time.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
