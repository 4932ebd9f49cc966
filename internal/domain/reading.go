package domain

import (
	"maps"
	"slices"
	"time"
)

// Reading is one instantaneous multi-field sensor sample.
type Reading struct {
	StationID string              `json:"station_id"`
	Time      time.Time           `json:"time"`
	Values    map[string]*float64 `json:"values"`
}

// Val returns a pointer to v, for building reading and record values.
func Val(v float64) *float64 {
	return &v
}

// Value returns the value of a field and whether it is present and non-null.
func (r Reading) Value(field string) (float64, bool) {
	v, ok := r.Values[field]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Fields returns the reading's field names in sorted order.
func (r Reading) Fields() []string {
	return slices.Sorted(maps.Keys(r.Values))
}

// Clone returns a deep copy so callers may hand the reading to other
// goroutines without sharing value pointers.
func (r Reading) Clone() Reading {
	out := r
	out.Values = cloneValues(r.Values)
	return out
}

func cloneValues(in map[string]*float64) map[string]*float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]*float64, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = Val(*v)
	}
	return out
}
