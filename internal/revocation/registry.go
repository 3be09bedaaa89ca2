package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	apperrors "fathomlicense/internal/errors"
)

// DefaultSyncTimeout bounds one SyncFromRemote call when none is configured.
const DefaultSyncTimeout = 15 * time.Second

// Entry is one revoked license.
type Entry struct {
	LicenseID string    `json:"LicenseId" validate:"required,max=128"`
	RevokedAt time.Time `json:"RevokedAt"`
	Reason    string    `json:"Reason" validate:"max=500"`
}

// Snapshot is an immutable view of the revocation set. Readers hold on to
// one snapshot for the duration of a lookup; refreshes swap in a new one.
type Snapshot struct {
	entries map[string]Entry
	ETag    string
	// SyncedAt is the local time of the last successful sync.
	SyncedAt time.Time
	// Cursor is the source's own timestamp for the data held. It is sent
	// back as the delta starting point, so the local clock never decides
	// which changes are fetched.
	Cursor time.Time
}

var emptySnapshot = &Snapshot{entries: map[string]Entry{}}

// Len returns the number of revoked licenses.
func (s *Snapshot) Len() int { return len(s.entries) }

// Lookup returns the entry for id.
func (s *Snapshot) Lookup(id string) (Entry, bool) {
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns all entries ordered by license id.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseID < out[j].LicenseID })
	return out
}

// SyncStats reports how a sync changed the set.
type SyncStats struct {
	Added       int
	Removed     int
	Total       int
	NotModified bool
}

// SyncError wraps any failure during SyncFromRemote. The cached set is left
// untouched whenever one is returned.
type SyncError struct {
	Source string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("revocation sync from %s failed: %v", e.Source, e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{apperrors.ErrSyncFailed, e.Err}
}

// Registry holds the locally cached revocation set.
type Registry struct {
	current atomic.Pointer[Snapshot]
	path    string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics

	group    singleflight.Group
	writeMu  sync.Mutex
	validate *validator.Validate
}

// Option configures a Registry
type Option func(*Registry)

// WithTimeout sets the per-call sync timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock injects the time source stamped on synced snapshots.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Instrument registers the sync counters and a cache size gauge on meter.
// Call it before the first sync.
func (r *Registry) Instrument(meter metric.Meter) error {
	m, err := NewMetrics(meter, r)
	if err != nil {
		return err
	}
	r.metrics = m
	return nil
}

// NewRegistry returns an empty, in-memory registry. Nothing is persisted.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		timeout:  DefaultSyncTimeout,
		now:      time.Now,
		logger:   slog.Default(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "revocation_registry"))
	r.current.Store(emptySnapshot)
	return r
}

// Open returns a registry backed by the cache file at path. A missing file
// yields an empty registry; a corrupt one is an error.
func Open(path string, opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	r.path = path

	snap, err := loadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		r.current.Store(snap)
		r.logger.Info("revocation cache loaded",
			slog.String("path", path),
			slog.Int("entries", snap.Len()),
			slog.Time("synced_at", snap.SyncedAt))
	}
	return r, nil
}

// Snapshot returns the current consistent view.
func (r *Registry) Snapshot() *Snapshot { return r.current.Load() }

// IsRevoked reports whether id is in the cached set.
func (r *Registry) IsRevoked(id string) bool {
	_, ok := r.current.Load().Lookup(id)
	return ok
}

// Lookup returns the revocation entry for id, if any.
func (r *Registry) Lookup(id string) (Entry, bool) {
	return r.current.Load().Lookup(id)
}

// Len returns the size of the cached set.
func (r *Registry) Len() int { return r.current.Load().Len() }

// Path returns the cache file, or "" for an in-memory registry.
func (r *Registry) Path() string { return r.path }

// SyncFromRemote fetches an update from src and swaps it in. Concurrent
// calls for the same source share one fetch, which runs detached from any
// single caller's cancellation and is bounded by the registry timeout. On
// any failure the cached set is not modified and a *SyncError is returned.
func (r *Registry) SyncFromRemote(ctx context.Context, src Source) (SyncStats, error) {
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(src.Name(), func() (interface{}, error) {
		return r.sync(shared, src)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return SyncStats{}, res.Err
		}
		return res.Val.(SyncStats), nil
	case <-ctx.Done():
		return SyncStats{}, &SyncError{Source: src.Name(), Err: ctx.Err()}
	}
}

func (r *Registry) sync(ctx context.Context, src Source) (SyncStats, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.metrics.recordAttempt(ctx, src.Name())

	fail := func(err error) (SyncStats, error) {
		r.metrics.recordFailure(ctx, src.Name())
		r.logger.WarnContext(ctx, "revocation sync failed, keeping cached set",
			slog.String("source", src.Name()),
			slog.Int("cached_entries", r.Len()),
			slog.String("error", err.Error()))
		return SyncStats{}, &SyncError{Source: src.Name(), Err: err}
	}

	prev := r.current.Load()
	update, err := src.Fetch(ctx, Request{ETag: prev.ETag, Since: prev.Cursor})
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if err := r.validateUpdate(update); err != nil {
		return fail(err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, stats := apply(r.current.Load(), update, r.now().UTC())
	if err := r.persist(next); err != nil {
		return fail(err)
	}
	r.current.Store(next)

	r.logger.InfoContext(ctx, "revocation sync completed",
		slog.String("source", src.Name()),
		slog.Int("added", stats.Added),
		slog.Int("removed", stats.Removed),
		slog.Int("total", stats.Total),
		slog.Bool("not_modified", stats.NotModified),
		slog.Duration("duration", time.Since(start)))

	return stats, nil
}

// Apply records manual revocations. The new set is persisted before it
// becomes visible.
func (r *Registry) Apply(ctx context.Context, entries ...Entry) (SyncStats, error) {
	for i := range entries {
		if entries[i].RevokedAt.IsZero() {
			entries[i].RevokedAt = r.now().UTC()
		}
	}
	update := &Update{Entries: entries}
	if err := r.validateUpdate(update); err != nil {
		return SyncStats{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prev := r.current.Load()
	next, stats := apply(prev, update, prev.SyncedAt)
	next.ETag = prev.ETag
	next.Cursor = prev.Cursor
	if err := r.persist(next); err != nil {
		return SyncStats{}, err
	}
	r.current.Store(next)

	r.logger.InfoContext(ctx, "manual revocation applied",
		slog.Int("added", stats.Added),
		slog.Int("total", stats.Total))
	return stats, nil
}

func (r *Registry) validateUpdate(u *Update) error {
	if u == nil {
		return errors.New("source returned no update")
	}
	for i := range u.Entries {
		if err := r.validate.Struct(u.Entries[i]); err != nil {
			return fmt.Errorf("malformed revocation entry #%d: %w", i+1, err)
		}
	}
	for i, id := range u.Removed {
		if id == "" {
			return fmt.Errorf("malformed removal #%d: empty license id", i+1)
		}
	}
	return nil
}

// apply builds the successor of prev. Full updates replace the set, deltas
// merge into it, and not-modified responses only refresh SyncedAt.
func apply(prev *Snapshot, u *Update, syncedAt time.Time) (*Snapshot, SyncStats) {
	next := &Snapshot{ETag: u.ETag, SyncedAt: syncedAt, Cursor: u.Cursor}
	var stats SyncStats

	switch {
	case u.NotModified:
		next.entries = prev.entries
		next.ETag = prev.ETag
		next.Cursor = prev.Cursor
		stats.NotModified = true
	case u.Full:
		next.entries = make(map[string]Entry, len(u.Entries))
		for _, e := range u.Entries {
			next.entries[e.LicenseID] = e
		}
		for id := range next.entries {
			if _, ok := prev.entries[id]; !ok {
				stats.Added++
			}
		}
		for id := range prev.entries {
			if _, ok := next.entries[id]; !ok {
				stats.Removed++
			}
		}
	default:
		next.entries = make(map[string]Entry, len(prev.entries)+len(u.Entries))
		for id, e := range prev.entries {
			next.entries[id] = e
		}
		for _, id := range u.Removed {
			if _, ok := next.entries[id]; ok {
				delete(next.entries, id)
				stats.Removed++
			}
		}
		for _, e := range u.Entries {
			if _, ok := next.entries[e.LicenseID]; !ok {
				stats.Added++
			}
			next.entries[e.LicenseID] = e
		}
		if next.ETag == "" {
			next.ETag = prev.ETag
		}
		if next.Cursor.IsZero() {
			next.Cursor = prev.Cursor
		}
	}

	stats.Total = len(next.entries)
	return next, stats
}

const cacheFileVersion = 1

type cacheFile struct {
	Version  int       `json:"version"`
	ETag     string    `json:"etag,omitempty"`
	SyncedAt time.Time `json:"synced_at"`
	Cursor   time.Time `json:"cursor"`
	Entries  []Entry   `json:"entries"`
}

func loadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read revocation cache: %w", err)
	}

	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("revocation cache %s is corrupt: %w", path, err)
	}
	if cf.Version != cacheFileVersion {
		return nil, fmt.Errorf("revocation cache %s has unsupported version %d", path, cf.Version)
	}

	snap := &Snapshot{
		entries:  make(map[string]Entry, len(cf.Entries)),
		ETag:     cf.ETag,
		SyncedAt: cf.SyncedAt,
		Cursor:   cf.Cursor,
	}
	for _, e := range cf.Entries {
		if e.LicenseID == "" {
			return nil, fmt.Errorf("revocation cache %s is corrupt: entry without license id", path)
		}
		snap.entries[e.LicenseID] = e
	}
	return snap, nil
}

// persist writes snap next to the cache file and renames it into place, so a
// crash never leaves a half-written cache.
func (r *Registry) persist(snap *Snapshot) error {
	if r.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(cacheFile{
		Version:  cacheFileVersion,
		ETag:     snap.ETag,
		SyncedAt: snap.SyncedAt,
		Cursor:   snap.Cursor,
		Entries:  snap.Entries(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal revocation cache: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create revocation cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create revocation cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write revocation cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync revocation cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close revocation cache: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace revocation cache: %w", err)
	}
	return nil
}
