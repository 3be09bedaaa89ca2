package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomlicense/internal/certificate"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
	"fathomlicense/internal/signing"
)

var ledgerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// steppingClock advances one minute per call so every change has a distinct UpdatedAt.
func steppingClock() func() time.Time {
	t := ledgerNow
	return func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
}

func issueInto(t *testing.T, store Store, customer string) *license.Record {
	t.Helper()
	auth, err := signing.GenerateAuthority(signing.PurposeLicense)
	require.NoError(t, err)
	issuer, err := license.NewIssuer(auth,
		license.WithRecorder(store),
		license.WithIssuerClock(func() time.Time { return ledgerNow }))
	require.NoError(t, err)

	rec, _, err := issuer.Issue(context.Background(), license.IssueRequest{
		CustomerName:     customer,
		CustomerEmail:    "ops@example.com",
		Tier:             license.TierBasic,
		SubscriptionType: license.SubscriptionYearly,
		LicenseType:      license.TypeOnline,
	})
	require.NoError(t, err)
	return rec
}

func testCertificate(t *testing.T, licenseID string) *certificate.Record {
	t.Helper()
	auth, err := signing.GenerateAuthority(signing.PurposeCertificate)
	require.NoError(t, err)
	svc, err := certificate.NewService(auth, certificate.WithClock(func() time.Time { return ledgerNow }))
	require.NoError(t, err)
	rec, err := svc.Issue(context.Background(), certificate.IssueRequest{
		ModuleID:      "tide-analysis",
		ModuleVersion: "1.0.0",
		ProjectName:   "Harbour Survey",
		IssuedBy:      "surveyor",
		LicenseID:     licenseID,
		Payload:       []byte("tide,height\n"),
	})
	require.NoError(t, err)
	return rec
}

// runStoreContract exercises behaviour every Store must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("issued licenses", func(t *testing.T) {
		a := issueInto(t, store, "Alpha Marine")
		b := issueInto(t, store, "Beta Offshore")

		got, err := store.GetIssued(ctx, a.LicenseID)
		require.NoError(t, err)
		assert.Equal(t, a.LicenseKey, got.LicenseKey)
		assert.Equal(t, a.Signature, got.Signature)
		assert.Equal(t, license.Canonicalize(a), license.Canonicalize(got))

		all, err := store.ListIssued(ctx)
		require.NoError(t, err)
		var ids []string
		for _, r := range all {
			ids = append(ids, r.LicenseID)
		}
		assert.Contains(t, ids, a.LicenseID)
		assert.Contains(t, ids, b.LicenseID)

		assert.ErrorIs(t, store.RecordIssued(ctx, a), apperrors.ErrAlreadyExists)

		_, err = store.GetIssued(ctx, "no-such-license")
		assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)

		unsigned := a.Clone()
		unsigned.LicenseID = "unsigned"
		unsigned.Signature = nil
		assert.ErrorIs(t, store.RecordIssued(ctx, unsigned), apperrors.ErrInvalidRequestData)
	})

	t.Run("revocations", func(t *testing.T) {
		before, err := store.ListRevocations(ctx, time.Time{})
		require.NoError(t, err)
		mark := Latest(before)

		require.NoError(t, store.Revoke(ctx, revocation.Entry{LicenseID: "rev-1", Reason: "chargeback"}))
		require.NoError(t, store.Revoke(ctx, revocation.Entry{LicenseID: "rev-2", Reason: "refund", RevokedAt: ledgerNow}))

		changes, err := store.ListRevocations(ctx, mark)
		require.NoError(t, err)
		require.Len(t, changes, 2)
		assert.Equal(t, "rev-1", changes[0].Entry.LicenseID)
		assert.False(t, changes[0].Entry.RevokedAt.IsZero())
		assert.Equal(t, ledgerNow, changes[1].Entry.RevokedAt)

		afterRevoke := Latest(changes)
		require.NoError(t, store.Reinstate(ctx, "rev-1"))
		delta, err := store.ListRevocations(ctx, afterRevoke)
		require.NoError(t, err)
		require.Len(t, delta, 1)
		assert.Equal(t, "rev-1", delta[0].Entry.LicenseID)
		assert.True(t, delta[0].Reinstated)

		assert.ErrorIs(t, store.Reinstate(ctx, "rev-1"), apperrors.ErrLicenseNotFound)
		assert.ErrorIs(t, store.Reinstate(ctx, "never-revoked"), apperrors.ErrLicenseNotFound)
		assert.ErrorIs(t, store.Revoke(ctx, revocation.Entry{LicenseID: " "}), apperrors.ErrInvalidRequestData)

		full, err := store.ListRevocations(ctx, time.Time{})
		require.NoError(t, err)
		var active []string
		for _, e := range Active(full) {
			active = append(active, e.LicenseID)
		}
		assert.Contains(t, active, "rev-2")
		assert.NotContains(t, active, "rev-1")

		// revoking again brings it back
		require.NoError(t, store.Revoke(ctx, revocation.Entry{LicenseID: "rev-1", Reason: "fraud"}))
		full, err = store.ListRevocations(ctx, time.Time{})
		require.NoError(t, err)
		for _, c := range full {
			if c.Entry.LicenseID == "rev-1" {
				assert.False(t, c.Reinstated)
				assert.Equal(t, "fraud", c.Entry.Reason)
			}
		}
	})

	t.Run("certificates", func(t *testing.T) {
		rec := testCertificate(t, "lic-cert")
		require.NoError(t, store.RecordCertificate(ctx, rec))
		assert.ErrorIs(t, store.RecordCertificate(ctx, rec), apperrors.ErrAlreadyExists)

		certs, err := store.ListCertificates(ctx)
		require.NoError(t, err)
		var found *certificate.Record
		for _, c := range certs {
			if c.CertificateID == rec.CertificateID {
				found = c
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, rec.Signature, found.Signature)
		assert.Equal(t, certificate.Canonicalize(rec), certificate.Canonicalize(found))
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(WithClock(steppingClock())))
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := issueInto(t, store, "Gamma Survey")

	rec.CustomerName = "changed after issue"
	got, err := store.GetIssued(ctx, rec.LicenseID)
	require.NoError(t, err)
	assert.Equal(t, "Gamma Survey", got.CustomerName)

	got.EnabledModules[0] = "mutated"
	again, err := store.GetIssued(ctx, rec.LicenseID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.EnabledModules[0])
}

func TestMemoryStoreRejectsDuplicateKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := issueInto(t, store, "Delta")

	dup := rec.Clone()
	dup.LicenseID = "another-id"
	assert.ErrorIs(t, store.RecordIssued(ctx, dup), apperrors.ErrAlreadyExists)
}

func TestIssuerFailsWhenLedgerRejects(t *testing.T) {
	store := NewMemoryStore()
	rec := issueInto(t, store, "Epsilon")

	auth, err := signing.GenerateAuthority(signing.PurposeLicense)
	require.NoError(t, err)
	issuer, err := license.NewIssuer(auth, license.WithRecorder(failingRecorder{}))
	require.NoError(t, err)
	_, _, err = issuer.Issue(context.Background(), license.IssueRequest{
		CustomerName:     "Zeta",
		CustomerEmail:    "z@example.com",
		Tier:             license.TierBasic,
		SubscriptionType: license.SubscriptionMonthly,
		LicenseType:      license.TypeOnline,
	})
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)

	all, err := store.ListIssued(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, rec.LicenseID, all[0].LicenseID)
}

type failingRecorder struct{}

func (failingRecorder) RecordIssued(context.Context, *license.Record) error {
	return apperrors.ErrAlreadyExists
}

func TestStoresRejectBadPrefix(t *testing.T) {
	ctx := context.Background()
	for _, prefix := range []string{"1abc", "fathom-prod", "x; DROP TABLE y", "a b"} {
		_, err := NewPostgresStore(ctx, nil, WithPrefix(prefix))
		assert.Error(t, err, prefix)
		_, err = NewMongoStore(ctx, nil, WithCollectionPrefix(prefix))
		assert.Error(t, err, prefix)
	}
}

func TestActiveAndLatest(t *testing.T) {
	changes := []Change{
		{Entry: revocation.Entry{LicenseID: "a"}, UpdatedAt: ledgerNow},
		{Entry: revocation.Entry{LicenseID: "b"}, Reinstated: true, UpdatedAt: ledgerNow.Add(time.Hour)},
		{Entry: revocation.Entry{LicenseID: "c"}, UpdatedAt: ledgerNow.Add(time.Minute)},
	}
	active := Active(changes)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].LicenseID)
	assert.Equal(t, "c", active[1].LicenseID)
	assert.Equal(t, ledgerNow.Add(time.Hour), Latest(changes))
	assert.True(t, Latest(nil).IsZero())
}
