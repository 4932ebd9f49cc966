package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_archive"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// archive engines and the event dispatcher. Station-scoped series carry a
// "station" label so several stations can share one process.
type Metrics struct {
	StationRunning   *prometheus.GaugeVec   // labels: station
	ReadingsReceived *prometheus.CounterVec // labels: station
	ReadingsDropped  *prometheus.CounterVec // labels: station, reason={out_of_order,clock_skew}
	DeviceReadErrors *prometheus.CounterVec // labels: station

	// Archive metrics.
	RecordsArchived  *prometheus.CounterVec // labels: station, source={live,backlog}
	NoDataRecords    *prometheus.CounterVec // labels: station
	BacklogSkipped   *prometheus.CounterVec // labels: station
	StoreWriteErrors *prometheus.CounterVec // labels: station
	RetryQueueDepth  *prometheus.GaugeVec   // labels: station
	CommitDuration   prometheus.Histogram

	// Dispatch metrics.
	EventsDelivered  *prometheus.CounterVec // labels: subscriber, kind
	EventsDropped    *prometheus.CounterVec // labels: subscriber, kind
	SubscriberErrors *prometheus.CounterVec // labels: subscriber, kind
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		StationRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "station_running",
			Help:      "1 while the station's acquisition session is active, 0 otherwise.",
		}, []string{"station"}),
		ReadingsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_received_total",
			Help:      "Readings accepted into an archive interval.",
		}, []string{"station"}),
		ReadingsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_dropped_total",
			Help:      "Readings discarded before aggregation, by reason.",
		}, []string{"station", "reason"}),
		DeviceReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_read_errors_total",
			Help:      "Failed reads from the station device.",
		}, []string{"station"}),
		RecordsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_archived_total",
			Help:      "Archive records written to the store.",
		}, []string{"station", "source"}),
		NoDataRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_data_records_total",
			Help:      "Archive records emitted for intervals without readings.",
		}, []string{"station"}),
		BacklogSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_skipped_total",
			Help:      "Backlog records skipped because they were misaligned or already archived.",
		}, []string{"station"}),
		StoreWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_write_errors_total",
			Help:      "Failed archive store writes, counting every attempt.",
		}, []string{"station"}),
		RetryQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Archive records waiting in the in-memory retry queue.",
		}, []string{"station"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Duration of a single archive record commit, including retries.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handled successfully by a subscriber.",
		}, []string{"subscriber", "kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue stayed full.",
		}, []string{"subscriber", "kind"}),
		SubscriberErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_errors_total",
			Help:      "Subscriber failures: errors, panics, timeouts and open circuits.",
		}, []string{"subscriber", "kind"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StationRunning,
		m.ReadingsReceived,
		m.ReadingsDropped,
		m.DeviceReadErrors,
		m.RecordsArchived,
		m.NoDataRecords,
		m.BacklogSkipped,
		m.StoreWriteErrors,
		m.RetryQueueDepth,
		m.CommitDuration,
		m.EventsDelivered,
		m.EventsDropped,
		m.SubscriberErrors,
	}
}
