package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"

	"fathomlicense/internal/certificate"
	"fathomlicense/internal/config"
	"fathomlicense/internal/infrastructure"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
	"fathomlicense/internal/security"
)

// runSync refreshes this install's revocation cache from the configured
// feed or sheet.
func runSync(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(e.out)
	endpoint := fs.String("endpoint", e.cfg.Revocation.Endpoint, "revocation feed URL")
	cache := fs.String("cache", e.cfg.Revocation.CacheFile, "revocation cache file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := *e.cfg
	cfg.Revocation.Endpoint = *endpoint
	cfg.Revocation.CacheFile = *cache

	m, err := license.NewClientManager(ctx, &cfg, e.logger, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	stats, err := m.SyncRevocations(ctx)
	if err != nil {
		return err
	}
	printSyncStats(e, stats)
	fmt.Fprintf(e.out, "cache: %s\n", m.Registry().Path())
	return nil
}

// openCache opens the revocation cache for verify, refreshing it first when
// refresh is set. A failed refresh keeps the cached list.
func openCache(ctx context.Context, e *env, path string, refresh bool) (*revocation.Registry, error) {
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		paths.Apply(e.cfg)
		path = paths.RevocationCache
	}
	reg, err := revocation.Open(path,
		revocation.WithTimeout(e.cfg.Revocation.Timeout),
		revocation.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	if !refresh {
		return reg, nil
	}

	src, err := license.RevocationSource(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("-sync needs a revocation endpoint or sheet")
	}
	stats, err := reg.SyncFromRemote(ctx, src)
	if err != nil {
		infrastructure.WithError(e.logger, err).WarnContext(ctx, "revocation sync failed, verifying against cached list")
		fmt.Fprintf(e.out, "revocations: sync failed, using cached list of %d\n", reg.Len())
		return reg, nil
	}
	printSyncStats(e, stats)
	return reg, nil
}

func printSyncStats(e *env, stats revocation.SyncStats) {
	if stats.NotModified {
		fmt.Fprintf(e.out, "revocations: unchanged, %d cached\n", stats.Total)
		return
	}
	fmt.Fprintf(e.out, "revocations: %d added, %d removed, %d cached\n", stats.Added, stats.Removed, stats.Total)
}

// runCertificates handles "certificates sync": pending processing
// certificates in the local store are uploaded to the intake endpoint.
func runCertificates(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 || args[0] != "sync" {
		return errors.New("usage: licensegen certificates sync [flags]")
	}
	fs := flag.NewFlagSet("certificates sync", flag.ContinueOnError)
	fs.SetOutput(e.out)
	dir := fs.String("dir", "", "certificate directory (default: the configured one)")
	endpoint := fs.String("endpoint", e.cfg.Certificates.UploadEndpoint, "certificate upload URL")
	concurrency := fs.Int("concurrency", 0, "parallel uploads")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *endpoint == "" {
		return errors.New("no certificate upload endpoint configured")
	}

	path := *dir
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return err
		}
		paths.Apply(e.cfg)
		path = paths.CertificatesDir
	}
	store, err := certificate.NewFileStore(path)
	if err != nil {
		return err
	}

	client, err := security.NewHTTPClient(e.cfg.Pinning, e.cfg.Certificates.UploadTimeout, e.logger)
	if err != nil {
		return fmt.Errorf("build pinned client: %w", err)
	}
	up, err := certificate.NewUploader(*endpoint, client,
		certificate.WithUploaderLogger(e.logger),
		certificate.WithConcurrency(*concurrency))
	if err != nil {
		return err
	}

	report, err := up.SyncPending(ctx, store)
	fmt.Fprintf(e.out, "uploaded: %d\nfailed:   %d\nskipped:  %d\n", report.Uploaded, report.Failed, report.Skipped)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		e.logger.WarnContext(ctx, "certificate uploads failed", slog.Int("failed", report.Failed))
		return fmt.Errorf("%d certificate uploads failed", report.Failed)
	}
	return nil
}
