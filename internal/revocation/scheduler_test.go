package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSchedulerNextDelay(t *testing.T) {
	s := NewScheduler(NewRegistry(), NewStaticSource(), 6*time.Hour, 30*time.Minute, WithRetryBase(time.Minute))

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 6 * time.Hour},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.nextDelay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestSchedulerRunSyncsUntilCancelled(t *testing.T) {
	reg := NewRegistry()
	src := NewStaticSource(entry("lic-1", ""))
	s := NewScheduler(reg, src, time.Hour, time.Hour, WithMinGap(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.IsRevoked("lic-1") }, 2*time.Second, 10*time.Millisecond)

	src.Set(Update{Full: true, Entries: []Entry{entry("lic-2", "")}})
	s.Trigger()
	require.Eventually(t, func() bool { return reg.IsRevoked("lic-2") }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerBacksOffOnFailure(t *testing.T) {
	reg := NewRegistry()
	src := NewStaticSource()
	src.Fail(errors.New("offline"))
	s := NewScheduler(reg, src, time.Millisecond, time.Hour,
		WithRetryBase(time.Hour), WithMinGap(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Calls() >= 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, src.Calls(), "a failed sync waits for the backoff instead of retrying")

	cancel()
	<-done
}

func TestMetricsRecordSyncs(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	reg := NewRegistry()
	require.NoError(t, reg.Instrument(provider.Meter("test")))

	src := NewStaticSource(entry("lic-1", ""), entry("lic-2", ""))
	_, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)
	src.Fail(errors.New("offline"))
	_, err = reg.SyncFromRemote(context.Background(), src)
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[metric.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[metric.Name] = dp.Value
				}
			}
		}
	}

	assert.Equal(t, int64(2), values["revocation_sync_attempts_total"])
	assert.Equal(t, int64(1), values["revocation_sync_failures_total"])
	assert.Equal(t, int64(2), values["revocation_entries"])
}
