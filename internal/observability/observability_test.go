package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-archive-service/internal/config"
)

func TestNewLogger_Levels(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	tests := []struct {
		level      string
		format     string
		enabled    slog.Level
		suppressed slog.Level
	}{
		{"debug", "text", slog.LevelDebug, slog.LevelDebug - 1},
		{"", "json", slog.LevelInfo, slog.LevelDebug},
		{"WARNING", "json", slog.LevelWarn, slog.LevelInfo},
		{"error", "TEXT", slog.LevelError, slog.LevelWarn},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger := NewLogger(&config.Config{LogLevel: tt.level, LogFormat: tt.format})

			require.NotNil(t, logger)
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.enabled))
			assert.False(t, logger.Enabled(ctx, tt.suppressed))
			assert.Same(t, logger.Handler(), slog.Default().Handler(), "installed as the default logger")
		})
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetricsForTesting()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m.RecordsArchived))

	m.RecordsArchived.WithLabelValues("backyard", "live").Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(m.RecordsArchived))

	for _, c := range m.collectors() {
		assert.NotNil(t, c)
	}
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
