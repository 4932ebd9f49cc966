package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	StationsFile    string

	// Archive store.
	StoreDriver         string
	StoreDSN            string
	StoreWriteRetries   int
	StoreRetryQueueSize int
	StoreBackoffInitial time.Duration
	StoreBackoffMax     time.Duration
	StoreFlushInterval  time.Duration

	// Device acquisition.
	ReadRetryLimit     int
	ReadBackoffInitial time.Duration
	ReadBackoffMax     time.Duration
	FutureTolerance    time.Duration

	// Event dispatch.
	DispatchQueueSize      int
	DispatchPublishTimeout time.Duration
	DispatchHandlerTimeout time.Duration

	CheckpointDir string
	ReportDir     string

	// Kafka uploader.
	KafkaBrokers        []string
	KafkaPublishEnabled bool
	KafkaRecordsTopic   string
	KafkaReadingsTopic  string

	OTLPEndpoint string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		StationsFile:    sharedcfg.EnvOrDefault("STATIONS_FILE", "stations.yaml"),

		StoreDriver: sharedcfg.EnvOrDefault("STORE_DRIVER", StoreMemory),
		StoreDSN:    os.Getenv("STORE_DSN"),

		CheckpointDir: envOrDefaultAllowEmpty("CHECKPOINT_DIR", "var/checkpoints"),
		ReportDir:     envOrDefaultAllowEmpty("REPORT_DIR", "var/reports"),

		KafkaBrokers:        sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaPublishEnabled: os.Getenv("KAFKA_PUBLISH_ENABLED") == "true",
		KafkaRecordsTopic:   sharedcfg.EnvOrDefault("KAFKA_RECORDS_TOPIC", "weather-archive-records"),
		KafkaReadingsTopic:  os.Getenv("KAFKA_READINGS_TOPIC"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	ints := []struct {
		key  string
		def  int
		min  int
		dest *int
	}{
		{"STORE_WRITE_RETRIES", 3, 1, &cfg.StoreWriteRetries},
		{"STORE_RETRY_QUEUE_SIZE", 256, 1, &cfg.StoreRetryQueueSize},
		{"READ_RETRY_LIMIT", 10, 1, &cfg.ReadRetryLimit},
		{"DISPATCH_QUEUE_SIZE", 128, 1, &cfg.DispatchQueueSize},
	}
	for _, v := range ints {
		if *v.dest, err = parseInt(v.key, v.def, v.min); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key       string
		def       time.Duration
		allowZero bool
		dest      *time.Duration
	}{
		{"STORE_BACKOFF_INITIAL", 100 * time.Millisecond, false, &cfg.StoreBackoffInitial},
		{"STORE_BACKOFF_MAX", 5 * time.Second, false, &cfg.StoreBackoffMax},
		{"STORE_FLUSH_INTERVAL", time.Minute, true, &cfg.StoreFlushInterval},
		{"READ_BACKOFF_INITIAL", 200 * time.Millisecond, false, &cfg.ReadBackoffInitial},
		{"READ_BACKOFF_MAX", 30 * time.Second, false, &cfg.ReadBackoffMax},
		{"FUTURE_TOLERANCE", 10 * time.Minute, true, &cfg.FutureTolerance},
		{"DISPATCH_PUBLISH_TIMEOUT", 250 * time.Millisecond, true, &cfg.DispatchPublishTimeout},
		{"DISPATCH_HANDLER_TIMEOUT", 5 * time.Second, false, &cfg.DispatchHandlerTimeout},
	}
	for _, v := range durations {
		if *v.dest, err = parseDuration(v.key, v.def, v.allowZero); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory:
	case StoreSQLite, StoreMySQL, StorePostgres:
		if c.StoreDSN == "" {
			return fmt.Errorf("STORE_DSN is required for STORE_DRIVER=%s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: must be memory, sqlite, mysql or postgres", c.StoreDriver)
	}
	if c.StoreBackoffMax < c.StoreBackoffInitial {
		return errors.New("STORE_BACKOFF_MAX must not be less than STORE_BACKOFF_INITIAL")
	}
	if c.ReadBackoffMax < c.ReadBackoffInitial {
		return errors.New("READ_BACKOFF_MAX must not be less than READ_BACKOFF_INITIAL")
	}
	if c.KafkaPublishEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when KAFKA_PUBLISH_ENABLED is true")
		}
		if c.KafkaRecordsTopic == "" {
			return errors.New("KAFKA_RECORDS_TOPIC is required when KAFKA_PUBLISH_ENABLED is true")
		}
	}
	return nil
}

// envOrDefaultAllowEmpty returns def only when key is unset, so an explicitly
// empty value can switch a feature off.
func envOrDefaultAllowEmpty(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func parseInt(key string, def, minimum int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("invalid %s %q: must be an integer >= %d", key, s, minimum)
	}
	return n, nil
}

func parseDuration(key string, def time.Duration, allowZero bool) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return d, nil
}
