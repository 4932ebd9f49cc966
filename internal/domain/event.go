package domain

import "time"

// EventKind names a notification fanned out by the dispatcher.
type EventKind string

const (
	EventNewArchiveRecord EventKind = "NEW_ARCHIVE_RECORD"
	EventNewReading       EventKind = "NEW_READING"
)

// Event is one notification. Exactly one of Record and Reading is set,
// matching Kind.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	StationID  string         `json:"station_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Record     *ArchiveRecord `json:"record,omitempty"`
	Reading    *Reading       `json:"reading,omitempty"`
}

// NewRecordEvent builds a NEW_ARCHIVE_RECORD event. The event owns its copy
// of the record's values.
func NewRecordEvent(rec ArchiveRecord) Event {
	rec.Values = cloneValues(rec.Values)
	return Event{Kind: EventNewArchiveRecord, StationID: rec.StationID, Record: &rec}
}

// NewReadingEvent builds a NEW_READING event.
func NewReadingEvent(r Reading) Event {
	r = r.Clone()
	return Event{Kind: EventNewReading, StationID: r.StationID, Reading: &r}
}

// Clone returns a copy of the event that shares no values with e.
func (e Event) Clone() Event {
	if e.Record != nil {
		rec := *e.Record
		rec.Values = cloneValues(rec.Values)
		e.Record = &rec
	}
	if e.Reading != nil {
		r := e.Reading.Clone()
		e.Reading = &r
	}
	return e
}
