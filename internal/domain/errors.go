package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLateReading is returned when a reading precedes the open window.
	ErrLateReading = errors.New("reading precedes window start")
	// ErrFutureReading is returned when a reading lies at or beyond the open
	// window's end; the window must be closed before it can be absorbed.
	ErrFutureReading = errors.New("reading beyond window end")
	// ErrOutOfOrderReading marks a reading dropped because its timestamp
	// regressed behind the scheduler's current window or the last committed
	// record.
	ErrOutOfOrderReading = errors.New("out-of-order reading")
	// ErrClockSkew marks a reading stamped too far ahead of the local clock.
	ErrClockSkew = errors.New("reading timestamp too far in the future")

	ErrBacklogUnsupported = errors.New("station does not provide a backlog")
	ErrUnknownRule        = errors.New("unknown aggregation rule")
	ErrSchedulerShutdown  = errors.New("scheduler is shut down")

	// ErrStaleCheckpoint rejects a saved open window that no longer fits the
	// archive: wrong interval, misaligned, or already covered by a record.
	ErrStaleCheckpoint = errors.New("checkpoint does not match archive")

	// ErrDeviceFatal ends an acquisition session after repeated read failures.
	ErrDeviceFatal = errors.New("station device failed permanently")
	// ErrStoreFatal ends an acquisition session when the archive store has
	// been failing long enough to fill the retry queue.
	ErrStoreFatal = errors.New("archive store failed permanently")
)

// DeviceReadError wraps a failed pull from a station driver.
type DeviceReadError struct {
	StationID string
	Attempt   int
	Err       error
}

func (e *DeviceReadError) Error() string {
	return fmt.Sprintf("station %s: read attempt %d: %v", e.StationID, e.Attempt, e.Err)
}

func (e *DeviceReadError) Unwrap() error { return e.Err }

// StoreWriteError wraps a failed archive write.
type StoreWriteError struct {
	StationID string
	Time      time.Time
	Err       error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("station %s: write record %s: %v", e.StationID, e.Time.Format(time.RFC3339), e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// SubscriberError wraps a failure inside a downstream event subscriber.
type SubscriberError struct {
	Subscriber string
	Kind       EventKind
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s: %s: %v", e.Subscriber, e.Kind, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }
