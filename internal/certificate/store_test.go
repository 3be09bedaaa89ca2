package certificate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fathomlicense/internal/errors"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := testService(t)
	store, err := NewFileStore(filepath.Join(t.TempDir(), "certs"))
	require.NoError(t, err)

	rec, err := svc.Issue(ctx, sampleRequest())
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Get(ctx, rec.CertificateID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.True(t, svc.Verify(got).Valid)

	tmp, err := filepath.Glob(filepath.Join(store.Dir(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestFileStoreList(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Save(ctx, &Record{
			CertificateID: id,
			IssuedAt:      base.Add(time.Duration(2-i) * time.Hour),
			SyncStatus:    SyncPending,
		}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0600))

	recs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{recs[0].CertificateID, recs[1].CertificateID, recs[2].CertificateID})
}

func TestFileStoreErrors(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrCertificateNotFound)

	_, err = store.Get(ctx, "../escape")
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequestData)
	assert.Error(t, store.Save(ctx, &Record{CertificateID: "a/b"}))

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.json"), []byte("{"), 0600))
	_, err = store.List(ctx)
	assert.Error(t, err)

	_, err = NewFileStore("")
	assert.Error(t, err)
}
