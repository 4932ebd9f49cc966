package domain

import (
	"fmt"
	"time"
)

// Window is a half-open archive interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// WindowAt returns the Δ-aligned window containing t.
func WindowAt(t time.Time, interval time.Duration) Window {
	start := AlignDown(t, interval)
	return Window{Start: start, End: start.Add(interval)}
}

// Contains reports whether t falls inside the window. End is exclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Next returns the window immediately following w.
func (w Window) Next() Window {
	length := w.End.Sub(w.Start)
	return Window{Start: w.End, End: w.End.Add(length)}
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// AlignDown returns the greatest multiple of interval, measured from the Unix
// epoch, that does not exceed t. The result is in UTC.
func AlignDown(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	d := int64(interval)
	q := ns / d
	if ns%d < 0 {
		q--
	}
	return time.Unix(0, q*d).UTC()
}

// IsAligned reports whether t is an exact multiple of interval from the epoch.
func IsAligned(t time.Time, interval time.Duration) bool {
	return interval > 0 && AlignDown(t, interval).Equal(t)
}
