package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// Metrics holds the license instruments.
type Metrics struct {
	Validations        metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	IntegrityFailures  metric.Int64Counter
	HardwareMatches    metric.Int64Histogram
	Issued             metric.Int64Counter
}

// NewMetrics registers the license instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Total number of license validations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	m.IntegrityFailures, err = meter.Int64Counter(
		"license_integrity_failures_total",
		metric.WithDescription("Validations that found a bad signature or a damaged file"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create integrity failures counter: %w", err)
	}

	m.HardwareMatches, err = meter.Int64Histogram(
		"license_hardware_matches",
		metric.WithDescription("Matching hardware components per offline validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create hardware matches histogram: %w", err)
	}

	m.Issued, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of licenses issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create issued counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, res Result, d time.Duration) {
	if m == nil {
		return
	}
	status := metric.WithAttributes(attribute.String("status", res.Status.String()))
	m.Validations.Add(ctx, 1, status)
	m.ValidationDuration.Record(ctx, d.Seconds(), status)
	if res.Status.Info().Integrity {
		m.IntegrityFailures.Add(ctx, 1, status)
	}
	if res.Required > 0 {
		m.HardwareMatches.Record(ctx, int64(res.MatchCount))
	}
}

func (m *Metrics) recordIssued(ctx context.Context, rec *Record) {
	if m == nil {
		return
	}
	m.Issued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", rec.Tier.String()),
		attribute.String("license_type", rec.LicenseType.String()),
	))
}
