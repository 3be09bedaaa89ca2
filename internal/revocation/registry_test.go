package revocation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fathomlicense/internal/errors"
)

var syncTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func entry(id, reason string) Entry {
	return Entry{LicenseID: id, RevokedAt: syncTime.Add(-time.Hour), Reason: reason}
}

func fixedClock() Option {
	return WithClock(func() time.Time { return syncTime })
}

func TestSyncFullReplacesSet(t *testing.T) {
	reg := NewRegistry(fixedClock())
	src := NewStaticSource(entry("lic-1", "chargeback"), entry("lic-2", "refund"))

	stats, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Added: 2, Total: 2}, stats)
	assert.True(t, reg.IsRevoked("lic-1"))
	assert.Equal(t, syncTime, reg.Snapshot().SyncedAt)

	got, ok := reg.Lookup("lic-2")
	require.True(t, ok)
	assert.Equal(t, "refund", got.Reason)

	src.Set(Update{Full: true, Entries: []Entry{entry("lic-2", "refund"), entry("lic-3", "fraud")}})
	stats, err = reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Added: 1, Removed: 1, Total: 2}, stats)
	assert.False(t, reg.IsRevoked("lic-1"))
	assert.True(t, reg.IsRevoked("lic-3"))
}

func TestSyncDeltaMerges(t *testing.T) {
	reg := NewRegistry(fixedClock())
	src := NewStaticSource(entry("lic-1", ""), entry("lic-2", ""))
	_, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	src.Set(Update{
		Entries: []Entry{entry("lic-3", "fraud"), entry("lic-2", "updated")},
		Removed: []string{"lic-1", "never-revoked"},
		ETag:    `"v2"`,
	})
	stats, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, SyncStats{Added: 1, Removed: 1, Total: 2}, stats)
	assert.False(t, reg.IsRevoked("lic-1"))
	assert.True(t, reg.IsRevoked("lic-3"))
	e, _ := reg.Lookup("lic-2")
	assert.Equal(t, "updated", e.Reason)
	assert.Equal(t, `"v2"`, reg.Snapshot().ETag)
}

func TestSyncNotModified(t *testing.T) {
	now := syncTime
	reg := NewRegistry(WithClock(func() time.Time { return now }))
	src := NewStaticSource()
	src.Set(Update{Full: true, Entries: []Entry{entry("lic-1", "")}, ETag: `"v1"`})
	_, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	now = now.Add(6 * time.Hour)
	src.Set(Update{NotModified: true})
	stats, err := reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	assert.True(t, stats.NotModified)
	assert.Equal(t, 1, stats.Total)
	assert.True(t, reg.IsRevoked("lic-1"))
	assert.Equal(t, `"v1"`, reg.Snapshot().ETag)
	assert.Equal(t, now, reg.Snapshot().SyncedAt)
}

func TestSyncFailureKeepsCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revocations.json")
	reg, err := Open(path, fixedClock())
	require.NoError(t, err)

	src := NewStaticSource(entry("lic-1", "chargeback"), entry("lic-2", "refund"))
	_, err = reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	before := reg.Snapshot()
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)

	probe := []string{"lic-1", "lic-2", "lic-3"}
	want := make(map[string]bool)
	for _, id := range probe {
		want[id] = reg.IsRevoked(id)
	}

	failures := []struct {
		name   string
		update func()
	}{
		{"network failure", func() { src.Fail(errors.New("dial tcp: connection refused")) }},
		{"malformed entry", func() { src.Set(Update{Full: true, Entries: []Entry{{LicenseID: ""}}}) }},
		{"empty removal", func() { src.Set(Update{Removed: []string{""}}) }},
	}

	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			tt.update()
			stats, err := reg.SyncFromRemote(context.Background(), src)
			require.Error(t, err)
			assert.Equal(t, SyncStats{}, stats)
			assert.ErrorIs(t, err, apperrors.ErrSyncFailed)

			var syncErr *SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, "static", syncErr.Source)

			assert.Same(t, before, reg.Snapshot())
			for _, id := range probe {
				assert.Equal(t, want[id], reg.IsRevoked(id), id)
			}
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, onDisk, after)
		})
	}
}

func TestSyncTimeout(t *testing.T) {
	reg := NewRegistry(WithTimeout(50 * time.Millisecond))
	_, err := reg.Apply(context.Background(), entry("lic-1", "manual"))
	require.NoError(t, err)

	stats, err := reg.SyncFromRemote(context.Background(), blockingSource{})
	require.Error(t, err)
	assert.Equal(t, SyncStats{}, stats)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, reg.IsRevoked("lic-1"))
}

type blockingSource struct{}

func (blockingSource) Name() string { return "blocking" }

func (blockingSource) Fetch(ctx context.Context, _ Request) (*Update, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSyncPersistFailureKeepsCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "revocations.json")
	reg, err := Open(path)
	require.NoError(t, err)

	// a regular file where the cache directory should be
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub"), []byte("x"), 0644))

	_, err = reg.SyncFromRemote(context.Background(), NewStaticSource(entry("lic-1", "")))
	assert.ErrorIs(t, err, apperrors.ErrSyncFailed)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.IsRevoked("lic-1"))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "revocations.json")

	reg, err := Open(path, fixedClock())
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())

	src := NewStaticSource()
	src.Set(Update{Full: true, Entries: []Entry{entry("lic-1", "chargeback")}, ETag: `"abc"`})
	_, err = reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)
	_, err = reg.Apply(context.Background(), Entry{LicenseID: "lic-9", Reason: "manual"})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Len())
	assert.True(t, reopened.IsRevoked("lic-1"))
	assert.True(t, reopened.IsRevoked("lic-9"))
	assert.Equal(t, `"abc"`, reopened.Snapshot().ETag)
	assert.Equal(t, syncTime, reopened.Snapshot().SyncedAt)

	manual, _ := reopened.Lookup("lic-9")
	assert.Equal(t, syncTime, manual.RevokedAt, "zero RevokedAt is stamped on manual entries")

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestOpenRejectsCorruptCache(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"garbage":     "{not json",
		"bad version": `{"version":7,"entries":[]}`,
		"missing id":  `{"version":1,"entries":[{"LicenseId":"","Reason":"x"}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0644))
			_, err := Open(path)
			assert.Error(t, err)
		})
	}
}

func TestApplyValidates(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Apply(context.Background(), Entry{LicenseID: ""})
	assert.Error(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestConcurrentSyncSharesFetch(t *testing.T) {
	reg := NewRegistry()
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}

	var wg sync.WaitGroup
	results := make([]SyncStats, 5)
	errs := make([]error, 5)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = reg.SyncFromRemote(context.Background(), src)
	}()
	<-src.started

	for i := 1; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.SyncFromRemote(context.Background(), src)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 1, results[i].Added)
	}
	assert.Equal(t, 1, src.calls)
}

func TestSharedSyncOutlivesCancelledCaller(t *testing.T) {
	reg := NewRegistry()
	src := &gatedSource{started: make(chan struct{}), release: make(chan struct{})}

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.SyncFromRemote(first, src)
		firstErr <- err
	}()
	<-src.started

	secondDone := make(chan error, 1)
	var secondStats SyncStats
	go func() {
		var err error
		secondStats, err = reg.SyncFromRemote(context.Background(), src)
		secondDone <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancelFirst()
	err := <-firstErr
	assert.ErrorIs(t, err, context.Canceled)

	close(src.release)
	require.NoError(t, <-secondDone)
	assert.Equal(t, 1, secondStats.Added)
	assert.True(t, reg.IsRevoked("lic-1"))
	assert.Equal(t, 1, src.calls)
}

func TestCursorPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revocations.json")
	reg, err := Open(path, fixedClock())
	require.NoError(t, err)

	cursor := syncTime.Add(-3 * time.Hour)
	src := NewStaticSource()
	src.Set(Update{Full: true, Entries: []Entry{entry("lic-1", "")}, Cursor: cursor})
	_, err = reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)

	src.Set(Update{NotModified: true})
	_, err = reg.SyncFromRemote(context.Background(), src)
	require.NoError(t, err)
	_, err = reg.Apply(context.Background(), entry("lic-2", "manual"))
	require.NoError(t, err)
	assert.Equal(t, cursor, reg.Snapshot().Cursor)

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.True(t, cursor.Equal(reopened.Snapshot().Cursor))
}

type gatedSource struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (g *gatedSource) Name() string { return "gated" }

func (g *gatedSource) Fetch(ctx context.Context, _ Request) (*Update, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.started)
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Update{Full: true, Entries: []Entry{{LicenseID: "lic-1"}}}, nil
}

func TestReadersSeeConsistentSnapshots(t *testing.T) {
	reg := NewRegistry()
	setA := NewStaticSource(entry("a-1", ""), entry("a-2", ""))
	setB := NewStaticSource(entry("b-1", ""), entry("b-2", ""))
	_, err := reg.SyncFromRemote(context.Background(), setA)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			src := setA
			if i%2 == 1 {
				src = setB
			}
			_, _ = reg.SyncFromRemote(ctx, src)
		}
	}()

	for i := 0; i < 2000; i++ {
		snap := reg.Snapshot()
		_, a1 := snap.Lookup("a-1")
		_, a2 := snap.Lookup("a-2")
		_, b1 := snap.Lookup("b-1")
		_, b2 := snap.Lookup("b-2")
		require.Equal(t, a1, a2, "partial snapshot observed")
		require.Equal(t, b1, b2, "partial snapshot observed")
		require.NotEqual(t, a1, b1)
	}
	cancel()
	wg.Wait()
}
