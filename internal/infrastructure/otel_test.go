package infrastructure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"

	"fathomlicense/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// TestOTelInitialization tests OpenTelemetry initialization
func TestOTelInitialization(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.EnableTracing = true

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.MetricsHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestCreateResource(t *testing.T) {
	res, err := createResource(config.TelemetryConfig{Environment: "test"})
	require.NoError(t, err)
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, ServiceName, name.AsString())
}

func TestOTelDisabled(t *testing.T) {
	cfg := config.TelemetryConfig{}

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)

	assert.Nil(t, providers.TracerProvider)
	assert.Nil(t, providers.MeterProvider)
	assert.Nil(t, providers.MetricsHandler)
	// no-op meter still usable
	counter, err := providers.Meter.Int64Counter("noop_counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestOTelConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.TelemetryConfig)
		wantErr string
	}{
		{
			name:    "unknown trace exporter",
			mutate:  func(c *config.TelemetryConfig) { c.EnableTracing = true; c.TraceExporter = "jaeger" },
			wantErr: "unsupported trace exporter",
		},
		{
			name:    "unknown metric exporter",
			mutate:  func(c *config.TelemetryConfig) { c.MetricExporter = "statsd" },
			wantErr: "unsupported metric exporter",
		},
		{
			name:   "exporters set to none",
			mutate: func(c *config.TelemetryConfig) { c.EnableTracing = true; c.TraceExporter = "none"; c.MetricExporter = "none" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default().Telemetry
			tt.mutate(&cfg)

			providers, err := InitializeOTel(cfg, quietLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, providers.Shutdown(context.Background()))
		})
	}
}

// TestPrometheusEndpoint checks recorded instruments show up on the scrape handler
func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(config.Default().Telemetry, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	counter, err := providers.Meter.Int64Counter("fathom_test_events_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	providers.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fathom_test_events_total")
}

func TestSpanOperations(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.EnableTracing = true
	cfg.TraceExporter = "none"

	providers, err := InitializeOTel(cfg, quietLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	// Without a span these are no-ops
	AddSpanEvent(context.Background(), "ignored", map[string]interface{}{"k": "v"})
	RecordError(context.Background(), errors.New("ignored"))

	ctx, span := providers.Tracer.Start(context.Background(), "validate")
	defer span.End()

	AddSpanEvent(ctx, "hardware_compared", map[string]interface{}{
		"match_count": 4,
		"required":    int64(3),
		"ratio":       0.8,
		"offline":     true,
		"license":     "hash",
		"other":       time.Second,
	})
	RecordError(ctx, errors.New("signature invalid"))
	RecordError(ctx, nil)
}
