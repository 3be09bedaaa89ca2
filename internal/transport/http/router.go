package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"fathomlicense/internal/certificate"
	"fathomlicense/internal/config"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/ledger"
	"fathomlicense/internal/middleware"
)

// maxBodyBytes caps request bodies on the write endpoints.
const maxBodyBytes = 1 << 20

// RouterConfig carries the dependencies of the revocation server.
type RouterConfig struct {
	Ledger       ledger.Store
	Certificates *certificate.Service
	Logger       *slog.Logger

	// AdminToken guards the revocation write endpoints. Empty disables them.
	AdminToken string
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Telemetry instruments every request when set.
	Telemetry *middleware.OTelMiddleware
	// LicenseHealth serves /healthz/license when set.
	LicenseHealth http.Handler
	// Uptime is reported by /healthz when set.
	Uptime func() time.Duration

	RateLimit      config.RateLimitConfig
	RequestTimeout time.Duration
	// SkewTolerance widens delta queries so client clock drift cannot hide a change.
	SkewTolerance time.Duration
	Now           func() time.Time
}

// NewRouter builds the chi router for the revocation feed and certificate intake.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	skew := cfg.SkewTolerance
	if skew <= 0 {
		skew = 5 * time.Minute
	}

	errs := apperrors.NewErrorHandler(logger, false)
	validate := validator.New()

	revocations := NewRevocationHandler(cfg.Ledger, validate, errs, logger, now, skew)
	health := NewHealthHandler(cfg.Ledger, logger, now, cfg.Uptime)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	if cfg.Telemetry != nil {
		r.Use(cfg.Telemetry.Handler)
	}
	if cfg.RateLimit.Enabled {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger).Handler)
	}
	r.Use(middleware.Timeout(timeout, logger))

	r.NotFound(errs.NotFound)
	r.MethodNotAllowed(errs.MethodNotAllowed)

	r.Get("/healthz", health.Check)
	if cfg.LicenseHealth != nil {
		r.Method(http.MethodGet, "/healthz/license", cfg.LicenseHealth)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/revocations", revocations.Feed)

		if cfg.AdminToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminToken(cfg.AdminToken, logger))
				r.With(middleware.RequireJSON).Post("/revocations", revocations.Revoke)
				r.Delete("/revocations/{licenseID}", revocations.Reinstate)
			})
		} else {
			logger.Warn("admin token not configured, revocation write endpoints disabled")
		}

		if cfg.Certificates != nil {
			certs := NewCertificateHandler(cfg.Ledger, cfg.Certificates, errs, logger, now)
			r.With(middleware.RequireJSON).Post("/certificates", certs.Submit)
		}
	})

	return r
}
