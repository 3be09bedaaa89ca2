package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultUploadConcurrency = 4

// Uploader posts certificate copies to the tracking server.
type Uploader struct {
	endpoint    string
	client      *http.Client
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

// WithUploaderLogger sets the logger.
func WithUploaderLogger(l *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithUploaderClock replaces time.Now for SyncedAt stamps.
func WithUploaderClock(now func() time.Time) UploaderOption {
	return func(u *Uploader) { u.now = now }
}

// WithConcurrency bounds parallel uploads in SyncPending.
func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// NewUploader returns an Uploader for endpoint. client should be the pinned
// client from the security package.
func NewUploader(endpoint string, client *http.Client, opts ...UploaderOption) (*Uploader, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid certificate upload endpoint %q", endpoint)
	}
	if client == nil {
		return nil, errors.New("certificate uploader needs an http client")
	}
	up := &Uploader{
		endpoint:    endpoint,
		client:      client,
		logger:      slog.Default(),
		now:         time.Now,
		concurrency: defaultUploadConcurrency,
	}
	for _, opt := range opts {
		opt(up)
	}
	return up, nil
}

// UploadError carries the server's answer to a rejected upload.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("certificate upload rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("certificate upload rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

// Upload sends one certificate. A 409 means the server already holds it and
// counts as success.
func (u *Uploader) Upload(ctx context.Context, rec *Record) error {
	wire := rec.Clone()
	wire.SyncStatus = ""
	wire.SyncedAt = nil
	wire.SyncError = ""

	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload certificate %s: %w", rec.CertificateID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &UploadError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}

// SyncReport summarizes a SyncPending run.
type SyncReport struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// SyncPending uploads every certificate not yet Synced and records the
// outcome on the stored copy. Upload failures are reported in the counts;
// the returned error is for store failures and cancellation.
func (u *Uploader) SyncPending(ctx context.Context, store Store) (SyncReport, error) {
	var report SyncReport
	recs, err := store.List(ctx)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for _, rec := range recs {
		if rec.SyncStatus == SyncSynced {
			report.Skipped++
			continue
		}
		g.Go(func() error {
			upErr := u.Upload(gctx, rec)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			updated := rec.Clone()
			if upErr != nil {
				updated.SyncStatus = SyncFailed
				updated.SyncError = upErr.Error()
				u.logger.WarnContext(gctx, "certificate upload failed",
					slog.String("certificate_id", rec.CertificateID),
					slog.String("error", upErr.Error()))
			} else {
				at := u.now().UTC()
				updated.SyncStatus = SyncSynced
				updated.SyncedAt = &at
				updated.SyncError = ""
			}
			if err := store.Save(gctx, updated); err != nil {
				return fmt.Errorf("record sync status for %s: %w", rec.CertificateID, err)
			}

			mu.Lock()
			if upErr != nil {
				report.Failed++
			} else {
				report.Uploaded++
			}
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()

	u.logger.InfoContext(ctx, "certificate sync finished",
		slog.Int("uploaded", report.Uploaded),
		slog.Int("failed", report.Failed),
		slog.Int("skipped", report.Skipped))
	return report, err
}
