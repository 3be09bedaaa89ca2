package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"fathomlicense/internal/config"
	"fathomlicense/internal/hardware"
	"fathomlicense/internal/revocation"
	"fathomlicense/internal/security"
	"fathomlicense/internal/signing"
)

// Manager is the entry point an application uses: it validates the
// installed license, keeps the revocation cache fresh and, on an issuing
// install, issues new licenses.
type Manager struct {
	validator    *Validator
	issuer       *Issuer
	registry     *revocation.Registry
	source       revocation.Source
	scheduler    *revocation.Scheduler
	syncInterval time.Duration
	maxBackoff   time.Duration
	fingerprints FingerprintProvider
	licenseFile  string
	metrics      *Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time

	mu   sync.RWMutex
	last *Result

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIssuer enables Issue.
func WithIssuer(i *Issuer) ManagerOption {
	return func(m *Manager) { m.issuer = i }
}

// WithRegistry attaches the revocation cache the validator reads.
func WithRegistry(r *revocation.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

// WithRevocationSource sets where SyncRevocations pulls from. interval and
// maxBackoff configure the background scheduler.
func WithRevocationSource(src revocation.Source, interval, maxBackoff time.Duration) ManagerOption {
	return func(m *Manager) {
		m.source = src
		m.syncInterval = interval
		m.maxBackoff = maxBackoff
	}
}

// WithLicenseFile sets the default path for ValidateFile.
func WithLicenseFile(path string) ManagerOption {
	return func(m *Manager) { m.licenseFile = path }
}

// WithMetrics records validation and issuance metrics.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithManagerFingerprints exposes the fingerprint source for health checks
// and the fingerprint command.
func WithManagerFingerprints(fp FingerprintProvider) ManagerOption {
	return func(m *Manager) { m.fingerprints = fp }
}

// NewManager wraps an existing validator.
func NewManager(v *Validator, opts ...ManagerOption) *Manager {
	m := &Manager{
		validator: v,
		logger:    slog.Default(),
		tracer:    otel.Tracer(TracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fingerprints == nil && v != nil {
		m.fingerprints = v.fingerprints
	}
	if m.registry != nil && m.source != nil && m.syncInterval > 0 {
		m.scheduler = revocation.NewScheduler(m.registry, m.source, m.syncInterval, m.maxBackoff,
			revocation.WithSchedulerLogger(m.logger))
	}
	return m
}

// NewClientManager builds a validation-only Manager from configuration. Only
// the license public key is loaded. Relative file locations resolve against
// the executable's directory. License and revocation instruments are
// registered on meter, or on the global meter provider when it is nil.
func NewClientManager(ctx context.Context, cfg *config.Config, logger *slog.Logger, meter metric.Meter) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	paths, err := config.GetPaths()
	if err != nil {
		return nil, err
	}
	paths.Apply(cfg)
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	paths.LogPathResolution(logger)

	verifier, err := signing.LoadVerifier(cfg.Signing, signing.PurposeLicense)
	if err != nil {
		return nil, fmt.Errorf("load license public key: %w", err)
	}

	registry, err := revocation.Open(paths.RevocationCache,
		revocation.WithTimeout(cfg.Revocation.Timeout),
		revocation.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open revocation cache: %w", err)
	}
	if err := registry.Instrument(meter); err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}

	generator := hardware.NewGenerator(
		hardware.WithTTL(cfg.Validation.FingerprintTTL),
		hardware.WithLogger(logger))

	validator, err := NewValidator(verifier,
		WithRevocations(registry),
		WithFingerprints(generator),
		WithGracePeriod(cfg.Validation.GracePeriod),
		WithMinMatches(cfg.Validation.MinHardwareMatches))
	if err != nil {
		return nil, err
	}

	src, err := RevocationSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return NewManager(validator,
		WithManagerLogger(logger),
		WithRegistry(registry),
		WithRevocationSource(src, cfg.Revocation.Interval, cfg.Revocation.MaxBackoff),
		WithManagerFingerprints(generator),
		WithLicenseFile(paths.LicenseFile),
		WithMetrics(metrics),
	), nil
}

// RevocationSource picks the configured remote revocation source: the HTTP
// feed over a pinned client, else the Google Sheet, else none.
func RevocationSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (revocation.Source, error) {
	switch {
	case cfg.Revocation.Endpoint != "":
		client, err := security.NewHTTPClient(cfg.Pinning, cfg.Revocation.Timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("build pinned client: %w", err)
		}
		src, err := revocation.NewHTTPSource(cfg.Revocation.Endpoint, client, revocation.WithSourceLogger(logger))
		if err != nil {
			return nil, err
		}
		return src, nil
	case cfg.Revocation.SheetID != "":
		var opts []option.ClientOption
		if cfg.Revocation.SheetsCredentials != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Revocation.SheetsCredentials))
		}
		src, err := revocation.NewSheetsSource(ctx, cfg.Revocation.SheetID, cfg.Revocation.SheetRange, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		return nil, nil
	}
}

// ValidateFile validates the license at path, or the configured license
// file when path is empty.
func (m *Manager) ValidateFile(ctx context.Context, path string) (Result, error) {
	if path == "" {
		path = m.licenseFile
	}
	if path == "" {
		return Result{}, errors.New("no license file configured")
	}
	return m.observe(ctx, "license.validate_file", func(ctx context.Context) (Result, error) {
		return m.validator.ValidateFile(ctx, path)
	})
}

// Validate validates license file content.
func (m *Manager) Validate(ctx context.Context, data []byte) (Result, error) {
	return m.observe(ctx, "license.validate", func(ctx context.Context) (Result, error) {
		return m.validator.Validate(ctx, data)
	})
}

func (m *Manager) observe(ctx context.Context, name string, fn func(context.Context) (Result, error)) (Result, error) {
	ctx, span := m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("component", componentName),
	))
	defer span.End()

	start := time.Now()
	res, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logAction(ctx, slog.LevelError, "validation", "license validation failed",
			slog.String("error", err.Error()))
		return res, err
	}

	span.SetAttributes(attribute.String("license.status", res.Status.String()))
	if res.Status.Info().Integrity {
		span.SetStatus(codes.Error, res.Reason)
	}
	m.metrics.recordValidation(ctx, res, time.Since(start))
	m.logResult(ctx, res)

	m.mu.Lock()
	m.last = &res
	m.mu.Unlock()
	return res, nil
}

// Status returns the most recent validation result. ok is false before the
// first validation.
func (m *Manager) Status() (res Result, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return Result{Status: StatusUnverified, Reason: StatusUnverified.Info().Message}, false
	}
	return *m.last, true
}

// Renewal classifies the remaining term of the last validated license.
func (m *Manager) Renewal() RenewalInfo {
	res, _ := m.Status()
	return Renewal(res.Record, m.now())
}

// Issue issues a new license. It fails with KeyNotLoadedError on installs
// without the license private key.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Record, []byte, error) {
	if m.issuer == nil {
		return nil, nil, &signing.KeyNotLoadedError{Purpose: signing.PurposeLicense}
	}
	ctx, span := m.tracer.Start(ctx, "license.issue")
	defer span.End()

	rec, data, err := m.issuer.Issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logAction(ctx, slog.LevelWarn, "issuance", "license issuance failed", slog.String("error", err.Error()))
		return nil, nil, err
	}
	m.metrics.recordIssued(ctx, rec)
	m.logRecordAction(ctx, slog.LevelInfo, "issuance", "license issued", rec)
	return rec, data, nil
}

// Fingerprints returns the live fingerprint set of this machine.
func (m *Manager) Fingerprints(ctx context.Context) (hardware.Set, error) {
	if m.fingerprints == nil {
		return nil, errors.New("no fingerprint source configured")
	}
	return m.fingerprints.Generate(ctx)
}

// Registry returns the revocation cache, or nil.
func (m *Manager) Registry() *revocation.Registry { return m.registry }

// SyncRevocations pulls the configured source once. It fails without
// touching the cache when the source is unreachable.
func (m *Manager) SyncRevocations(ctx context.Context) (revocation.SyncStats, error) {
	if m.registry == nil || m.source == nil {
		return revocation.SyncStats{}, errors.New("no revocation source configured")
	}
	stats, err := m.registry.SyncFromRemote(ctx, m.source)
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "revocation_sync", "revocation sync failed, keeping cached list",
			slog.String("error", err.Error()))
		return stats, err
	}
	m.logAction(ctx, slog.LevelInfo, "revocation_sync", "revocation list synced",
		slog.Int("added", stats.Added),
		slog.Int("removed", stats.Removed),
		slog.Int("total", stats.Total),
		slog.Bool("not_modified", stats.NotModified))
	return stats, nil
}

// StartRevocationSync runs the background scheduler until Close. It is a
// no-op without a remote source.
func (m *Manager) StartRevocationSync(ctx context.Context) {
	if m.scheduler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		_ = m.scheduler.Run(ctx)
	}()
}

// TriggerRevocationSync asks the background scheduler for an early sync.
func (m *Manager) TriggerRevocationSync() {
	if m.scheduler != nil {
		m.scheduler.Trigger()
	}
}

// Close stops background work.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel, done := m.cancel, m.done
		m.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
	})
	return nil
}
