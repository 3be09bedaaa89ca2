package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fathomlicense/internal/certificate"
	"fathomlicense/internal/config"
	"fathomlicense/internal/infrastructure"
	"fathomlicense/internal/ledger"
	"fathomlicense/internal/license"
	"fathomlicense/internal/middleware"
	"fathomlicense/internal/signing"
	handlers "fathomlicense/internal/transport/http"
)

// Application is the revocation feed and certificate intake server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	Ledger        ledger.Store
	Router        http.Handler
	Server        *http.Server
	OTelProviders *infrastructure.OTelProviders
	Runtime       *infrastructure.RuntimeMetrics
	// License validates this install's own license. Nil when no license
	// public key is configured.
	License *license.Manager
}

// Option customizes an Application before its router is built.
type Option func(*Application)

// WithLedger supplies an already opened ledger instead of opening cfg.Database.
func WithLedger(store ledger.Store) Option {
	return func(a *Application) { a.Ledger = store }
}

// NewApplication wires the ledger, telemetry and router from cfg.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	logger.InfoContext(ctx, "Application starting",
		slog.String("service", infrastructure.ServiceName),
		slog.String("version", infrastructure.ServiceVersion),
		slog.String("ledger_driver", cfg.Database.Driver))

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.OTelProviders = providers

	if a.Ledger == nil {
		store, err := ledger.Open(ctx, cfg.Database, logger)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open ledger: %w", err)
		}
		a.Ledger = store
	}

	runtimeMetrics, err := infrastructure.NewRuntimeMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to register runtime metrics: %w", err)
	}
	a.Runtime = runtimeMetrics

	telemetry, err := middleware.NewOTelMiddlewareFromProviders(providers)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry middleware: %w", err)
	}

	routerCfg := handlers.RouterConfig{
		Ledger:         a.Ledger,
		Logger:         logger,
		AdminToken:     os.Getenv(cfg.Server.AdminTokenEnv),
		MetricsHandler: providers.MetricsHandler,
		Telemetry:      telemetry,
		RateLimit:      cfg.Server.RateLimit,
		RequestTimeout: cfg.Server.RequestTimeout,
		Uptime:         runtimeMetrics.Uptime,
	}

	manager, err := license.NewClientManager(ctx, cfg, logger, providers.Meter)
	if err != nil {
		logger.WarnContext(ctx, "license manager not started, license health disabled",
			slog.String("error", err.Error()))
	} else {
		a.License = manager
		routerCfg.LicenseHealth = license.NewHealthCheck(manager, license.DefaultHealthCheckConfig()).HTTPHandler()
		if res, err := manager.ValidateFile(ctx, ""); err != nil {
			logger.WarnContext(ctx, "installed license not validated", slog.String("error", err.Error()))
		} else if !res.Valid() {
			logger.WarnContext(ctx, "installed license is not valid",
				slog.String("status", res.Status.String()),
				slog.String("reason", res.Reason))
		}
	}

	verifier, err := signing.LoadVerifier(cfg.Signing, signing.PurposeCertificate)
	if err != nil {
		logger.WarnContext(ctx, "certificate public key not loaded, certificate intake disabled",
			slog.String("error", err.Error()))
	} else {
		svc, err := certificate.NewService(verifier, certificate.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		routerCfg.Certificates = svc
	}

	a.Router = handlers.NewRouter(routerCfg)
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return a, nil
}

// Start begins serving on the configured port. A listener failure cancels ctx
// through cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln, cancel)
}

// Serve serves on ln, over TLS when a certificate is configured.
func (a *Application) Serve(ctx context.Context, ln net.Listener, cancel context.CancelFunc) error {
	tlsCert, tlsKey := a.Config.Server.TLSCertFile, a.Config.Server.TLSKeyFile
	if (tlsCert == "") != (tlsKey == "") {
		ln.Close()
		return errors.New("server TLS needs both a certificate and a key file")
	}

	go func() {
		var err error
		if tlsCert != "" {
			err = a.Server.ServeTLS(ln, tlsCert, tlsKey)
		} else {
			a.Logger.WarnContext(ctx, "serving plain HTTP, pinned clients need TLS terminated upstream")
			err = a.Server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if a.License != nil {
		a.License.StartRevocationSync(ctx)
	}

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", tlsCert != ""))
	return nil
}

// Stop drains in-flight requests, then closes the ledger and telemetry.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	if a.License != nil {
		_ = a.License.Close()
	}
	if err := a.Ledger.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("ledger close error: %w", err))
	}
	if err := a.Runtime.Close(); err != nil {
		a.Logger.ErrorContext(ctx, "Error unregistering runtime metrics", slog.String("error", err.Error()))
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// Run serves until SIGINT, SIGTERM or ctx is done, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}
	<-ctx.Done()
	a.Logger.Info("Received shutdown signal")

	return a.Stop(context.Background())
}
