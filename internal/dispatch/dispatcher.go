// Package dispatch fans archive and reading events out to downstream
// subscribers without letting any of them stall acquisition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
)

var (
	// ErrStarted is returned by Subscribe once the dispatcher is running.
	ErrStarted = errors.New("dispatcher already started")
	// ErrDuplicateSubscriber is returned when a name is registered twice.
	ErrDuplicateSubscriber = errors.New("subscriber already registered")

	errHandlerPanic = errors.New("handler panicked")
)

// Handler processes one event. It should honor ctx, which carries the
// per-event deadline.
type Handler func(ctx context.Context, ev domain.Event) error

// Config bounds queueing and handler execution.
type Config struct {
	QueueSize      int
	PublishTimeout time.Duration
	HandlerTimeout time.Duration
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to stamp events.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithBreakerSettings overrides the circuit breaker settings template. Name
// is filled in per subscriber.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(d *Dispatcher) { d.breaker = s }
}

type subscriber struct {
	name    string
	kinds   []domain.EventKind
	handler Handler
	queue   chan domain.Event
	breaker *gobreaker.CircuitBreaker
}

func (s *subscriber) wants(kind domain.EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// Dispatcher is a publish/subscribe registry built at startup. Every
// subscriber gets its own bounded FIFO queue and worker, so a slow or failing
// subscriber only ever loses its own events.
type Dispatcher struct {
	cfg     Config
	clock   clockwork.Clock
	breaker gobreaker.Settings
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	subs    []*subscriber
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	d := &Dispatcher{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		breaker: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		},
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a handler for the given kinds, or for every kind when
// none are given. Subscriptions are only accepted before Start.
func (d *Dispatcher) Subscribe(name string, handler Handler, kinds ...domain.EventKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started || d.closed {
		return fmt.Errorf("subscribe %s: %w", name, ErrStarted)
	}
	for _, s := range d.subs {
		if s.name == name {
			return fmt.Errorf("subscribe %s: %w", name, ErrDuplicateSubscriber)
		}
	}

	settings := d.breaker
	settings.Name = name
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		d.logger.Warn("subscriber circuit state changed", "subscriber", name, "from", from.String(), "to", to.String())
	}

	d.subs = append(d.subs, &subscriber{
		name:    name,
		kinds:   kinds,
		handler: handler,
		queue:   make(chan domain.Event, d.cfg.QueueSize),
		breaker: gobreaker.NewCircuitBreaker(settings),
	})
	return nil
}

// Start launches one worker per subscriber.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for _, s := range d.subs {
		d.wg.Add(1)
		go d.work(s)
	}
	d.logger.Info("dispatcher started", "subscribers", len(d.subs))
}

// Publish queues ev for every interested subscriber. It never fails: when a
// subscriber's queue stays full for PublishTimeout the event is dropped for
// that subscriber only.
func (d *Dispatcher) Publish(ctx context.Context, ev domain.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.clock.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("event published after close, dropped", "kind", ev.Kind, "event_id", ev.ID)
		return
	}

	for _, s := range d.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		if !d.enqueue(ctx, s, ev.Clone()) {
			d.metrics.EventsDropped.WithLabelValues(s.name, string(ev.Kind)).Inc()
			d.logger.Warn("subscriber backpressure, event dropped",
				"subscriber", s.name, "kind", ev.Kind, "event_id", ev.ID, "station", ev.StationID)
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, s *subscriber, ev domain.Event) bool {
	select {
	case s.queue <- ev:
		return true
	default:
	}
	if d.cfg.PublishTimeout <= 0 {
		return false
	}

	timer := d.clock.NewTimer(d.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case s.queue <- ev:
		return true
	case <-timer.Chan():
		return false
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting events and waits for the workers to drain their
// queues, or for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, s := range d.subs {
		close(s.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(s *subscriber) {
	defer d.wg.Done()
	for ev := range s.queue {
		d.deliver(s, ev)
	}
}

func (d *Dispatcher) deliver(s *subscriber, ev domain.Event) {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, d.invoke(s, ev)
	})
	if err == nil {
		d.metrics.EventsDelivered.WithLabelValues(s.name, string(ev.Kind)).Inc()
		return
	}

	d.metrics.SubscriberErrors.WithLabelValues(s.name, string(ev.Kind)).Inc()
	subErr := &domain.SubscriberError{Subscriber: s.name, Kind: ev.Kind, Err: err}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		d.logger.Debug("subscriber circuit open, event skipped", "subscriber", s.name, "event_id", ev.ID)
		return
	}
	d.logger.Error("subscriber failed", "error", subErr, "event_id", ev.ID, "station", ev.StationID)
}

// invoke runs the handler under the per-event timeout. A handler that
// ignores its context is abandoned when the deadline passes.
func (d *Dispatcher) invoke(s *subscriber, ev domain.Event) error {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if d.cfg.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	}
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("%w: %v", errHandlerPanic, r)
			}
		}()
		result <- s.handler(ctx, ev)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler: %w", ctx.Err())
	}
}
