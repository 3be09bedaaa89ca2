package revocation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the revocation sync instruments.
type Metrics struct {
	SyncAttempts metric.Int64Counter
	SyncFailures metric.Int64Counter
	Entries      metric.Int64ObservableGauge
}

// NewMetrics registers the sync counters on meter. When reg is non-nil an
// observable gauge reports its size.
func NewMetrics(meter metric.Meter, reg *Registry) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SyncAttempts, err = meter.Int64Counter(
		"revocation_sync_attempts_total",
		metric.WithDescription("Total number of revocation sync attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync attempts counter: %w", err)
	}

	m.SyncFailures, err = meter.Int64Counter(
		"revocation_sync_failures_total",
		metric.WithDescription("Total number of failed revocation syncs"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync failures counter: %w", err)
	}

	if reg != nil {
		m.Entries, err = meter.Int64ObservableGauge(
			"revocation_entries",
			metric.WithDescription("Number of revoked licenses in the local cache"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(reg.Len()))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create entries gauge: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) recordAttempt(ctx context.Context, source string) {
	if m == nil || m.SyncAttempts == nil {
		return
	}
	m.SyncAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) recordFailure(ctx context.Context, source string) {
	if m == nil || m.SyncFailures == nil {
		return
	}
	m.SyncFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}
