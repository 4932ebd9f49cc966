package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/couchcryptid/weather-archive-service/internal/domain"
	"github.com/couchcryptid/weather-archive-service/internal/observability"
	"github.com/couchcryptid/weather-archive-service/internal/pipeline"
)

func newTestCommitter(store domain.ArchiveStore, pub pipeline.Publisher, queueSize int, opts ...pipeline.CommitterOption) (*pipeline.Committer, *observability.Metrics) {
	metrics := observability.NewMetricsForTesting()
	cfg := pipeline.CommitterConfig{
		WriteRetries:   3,
		RetryQueueSize: queueSize,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
	return pipeline.NewCommitter(testStation, store, pub, cfg, discardLogger(), metrics, opts...), metrics
}

func record(sec int64) domain.ArchiveRecord {
	return domain.ArchiveRecord{
		StationID: testStation,
		Time:      unix(sec),
		Interval:  fiveMinutes,
		Values:    map[string]*float64{"temp": domain.Val(float64(sec))},
		Source:    domain.SourceLive,
	}
}

func TestCommitter_CommitPublishesRecord(t *testing.T) {
	store := newMockStore()
	pub := &recordingPublisher{}
	c, metrics := newTestCommitter(store, pub, 4)

	require.NoError(t, c.Commit(context.Background(), record(600)))

	assert.Equal(t, []time.Time{unix(600)}, store.keys())
	events := pub.kinds(domain.EventNewArchiveRecord)
	require.Len(t, events, 1)
	assert.Equal(t, unix(600), events[0].Record.Time)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RecordsArchived.WithLabelValues(testStation, "live")), 0)
}

func TestCommitter_RetriesTransientFailure(t *testing.T) {
	store := newMockStore()
	store.failures = 2
	c, metrics := newTestCommitter(store, &recordingPublisher{}, 4)

	require.NoError(t, c.Commit(context.Background(), record(600)))

	assert.Equal(t, 3, store.puts)
	assert.Equal(t, 0, c.Pending())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.StoreWriteErrors.WithLabelValues(testStation)), 0)
}

func TestCommitter_QueuesAndPreservesOrder(t *testing.T) {
	store := newMockStore()
	pub := &recordingPublisher{}
	c, metrics := newTestCommitter(store, pub, 4)
	ctx := context.Background()

	store.setFailing(errors.New("disk full"))
	require.NoError(t, c.Commit(ctx, record(600)))
	require.NoError(t, c.Commit(ctx, record(900)))
	assert.Equal(t, 2, c.Pending())
	assert.Empty(t, store.keys())
	assert.Empty(t, pub.kinds(domain.EventNewArchiveRecord), "nothing is announced before it is stored")
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.RetryQueueDepth.WithLabelValues(testStation)), 0)

	store.setFailing(nil)
	require.NoError(t, c.Commit(ctx, record(1200)))

	assert.Equal(t, []time.Time{unix(600), unix(900), unix(1200)}, store.keys())
	assert.Equal(t, 0, c.Pending())
	assert.Len(t, pub.kinds(domain.EventNewArchiveRecord), 3)
}

func TestCommitter_FullQueueIsFatal(t *testing.T) {
	store := newMockStore()
	store.setFailing(errors.New("connection refused"))
	c, _ := newTestCommitter(store, &recordingPublisher{}, 2)
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx, record(600)))
	require.NoError(t, c.Commit(ctx, record(900)))
	err := c.Commit(ctx, record(1200))

	require.ErrorIs(t, err, domain.ErrStoreFatal)
	assert.Equal(t, 2, c.Pending(), "queued records are kept")
}

func TestCommitter_Flush(t *testing.T) {
	store := newMockStore()
	store.setFailing(errors.New("connection refused"))
	c, _ := newTestCommitter(store, &recordingPublisher{}, 4)
	ctx := context.Background()

	require.NoError(t, c.Commit(ctx, record(600)))
	assert.Equal(t, 1, c.Flush(ctx), "flush while the store is down keeps the record")

	store.setFailing(nil)
	assert.Equal(t, 0, c.Flush(ctx))
	assert.Equal(t, []time.Time{unix(600)}, store.keys())
}

func TestCommitter_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	store := newMockStore()
	store.failures = 1
	c, _ := newTestCommitter(store, &recordingPublisher{}, 4, pipeline.WithTracerProvider(tp))

	require.NoError(t, c.Commit(context.Background(), record(600)))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "archive.put", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
