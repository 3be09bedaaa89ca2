package license

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	CheckTimeout time.Duration
	// RevocationStaleAfter marks the cache degraded when the last successful
	// sync is older.
	RevocationStaleAfter time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckTimeout:         5 * time.Second,
		RevocationStaleAfter: 7 * 24 * time.Hour,
	}
}

// HealthCheck reports on the pieces a license decision depends on.
type HealthCheck struct {
	manager *Manager
	config  HealthCheckConfig
}

// NewHealthCheck creates a health check for m.
func NewHealthCheck(m *Manager, cfg HealthCheckConfig) *HealthCheck {
	return &HealthCheck{manager: m, config: cfg}
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Renewal       *RenewalInfo                `json:"renewal,omitempty"`
}

// Perform runs every component check concurrently.
func (hc *HealthCheck) Perform(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")))
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    traceIDFromContext(ctx),
	}

	checks := map[string]func(context.Context) *ComponentHealth{
		"signing_key":            hc.checkSigningKey,
		"revocation_cache":       hc.checkRevocationCache,
		"fingerprint_generation": hc.checkFingerprintGeneration,
		"license":                hc.checkLicense,
	}

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	results := make(chan checkResult, len(checks))
	for name, check := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.CheckTimeout)
			defer cancel()
			results <- checkResult{name: n, health: cf(checkCtx)}
		}(name, check)
	}
	for range checks {
		r := <-results
		result.Components[r.name] = r.health
	}

	if res, ok := hc.manager.Status(); ok && res.Record != nil {
		renewal := Renewal(res.Record, hc.manager.now())
		result.Renewal = &renewal
	}

	result.OverallStatus = overallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = statusMessage(result.OverallStatus, result.Components)

	span.SetAttributes(attribute.String("health.overall_status", string(result.OverallStatus)))
	return result
}

func (hc *HealthCheck) checkSigningKey(context.Context) *ComponentHealth {
	health := newComponentHealth()
	if hc.manager.validator == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "No license public key loaded"
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "License public key loaded"
	health.Metadata["key_id"] = hc.manager.validator.verifier.KeyID()
	health.Metadata["can_issue"] = hc.manager.issuer != nil
	return health
}

func (hc *HealthCheck) checkRevocationCache(context.Context) *ComponentHealth {
	health := newComponentHealth()
	reg := hc.manager.registry
	if reg == nil {
		health.Status = HealthStatusDegraded
		health.Message = "No revocation cache configured"
		return health
	}

	snap := reg.Snapshot()
	health.Metadata["entries"] = snap.Len()
	health.Metadata["remote_source"] = hc.manager.source != nil
	switch {
	case snap.SyncedAt.IsZero():
		health.Status = HealthStatusDegraded
		health.Message = "Revocation list has never been synced"
	case hc.manager.now().Sub(snap.SyncedAt) > hc.config.RevocationStaleAfter:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Revocation list last synced %s ago", hc.manager.now().Sub(snap.SyncedAt).Round(time.Minute))
		health.Metadata["synced_at"] = snap.SyncedAt
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Revocation list is current"
		health.Metadata["synced_at"] = snap.SyncedAt
	}
	return health
}

func (hc *HealthCheck) checkFingerprintGeneration(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := newComponentHealth()

	set, err := hc.manager.Fingerprints(ctx)
	health.Duration = time.Since(start).String()
	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "Fingerprint generation failed"
		health.Error = err.Error()
		return health
	}

	required := DefaultMinMatches
	if hc.manager.validator != nil {
		required = hc.manager.validator.MinMatches()
	}
	available := set.Available()
	health.Metadata["available_components"] = available
	health.Metadata["required_matches"] = required
	if available < required {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Only %d hardware components readable, offline licenses need %d", available, required)
		return health
	}
	health.Status = HealthStatusHealthy
	health.Message = "Fingerprint generation working"
	return health
}

func (hc *HealthCheck) checkLicense(context.Context) *ComponentHealth {
	health := newComponentHealth()
	res, ok := hc.manager.Status()
	health.Metadata["status"] = res.Status.String()
	switch {
	case !ok:
		health.Status = HealthStatusDegraded
		health.Message = "License not validated yet"
	case res.Valid():
		health.Status = HealthStatusHealthy
		health.Message = res.Reason
	case res.Status.Info().Integrity:
		health.Status = HealthStatusUnhealthy
		health.Message = res.Status.Info().Message
		health.Error = res.Reason
	default:
		health.Status = HealthStatusDegraded
		health.Message = res.Status.Info().Message
		health.Error = res.Reason
	}
	return health
}

func newComponentHealth() *ComponentHealth {
	return &ComponentHealth{Timestamp: time.Now(), Metadata: make(map[string]interface{})}
}

func overallStatus(components map[string]*ComponentHealth) HealthStatus {
	status := HealthStatusHealthy
	for _, h := range components {
		switch h.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func statusMessage(status HealthStatus, components map[string]*ComponentHealth) string {
	var degraded, unhealthy int
	for _, h := range components {
		switch h.Status {
		case HealthStatusDegraded:
			degraded++
		case HealthStatusUnhealthy:
			unhealthy++
		}
	}
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", len(components))
	case HealthStatusDegraded:
		return fmt.Sprintf("License system operational with %d degraded components out of %d", degraded, len(components))
	default:
		return fmt.Sprintf("License system unhealthy: %d unhealthy, %d degraded out of %d components",
			unhealthy, degraded, len(components))
	}
}

// HTTPHandler serves the health report. Degraded still answers 200.
func (hc *HealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.Perform(r.Context())

		statusCode := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(result)
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
