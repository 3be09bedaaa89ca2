package license

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/hardware"
	"fathomlicense/internal/signing"
)

type recorderFunc func(ctx context.Context, rec *Record) error

func (f recorderFunc) RecordIssued(ctx context.Context, rec *Record) error { return f(ctx, rec) }

func TestIssueFillsDefaults(t *testing.T) {
	a := testAuthority(t)
	req := offlineRequest()
	req.ExpiresAt = nil
	req.CustomerEmail = "  test@x.com "

	rec, data, err := testIssuer(t, a).Issue(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	assert.NotEmpty(t, rec.LicenseID)
	assert.NoError(t, ValidateLicenseKeyFormat(rec.LicenseKey))
	assert.Equal(t, DefaultProductName, rec.ProductName)
	assert.Equal(t, "test@x.com", rec.CustomerEmail)
	assert.Equal(t, testNow, rec.IssuedAt)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, testNow.AddDate(1, 0, 0), *rec.ExpiresAt)
	assert.ElementsMatch(t, TierProfessional.Info().DefaultModules, rec.EnabledModules)
	assert.IsIncreasing(t, rec.EnabledModules)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, rec.HardwareFingerprints)
	assert.Equal(t, signing.Algorithm, rec.SignatureAlgorithm)
	assert.True(t, a.Verify(Canonicalize(rec), rec.Signature))
}

func TestIssueIsDeterministicForSameRecord(t *testing.T) {
	a := testAuthority(t)
	rec, _ := issue(t, a, offlineRequest())
	sig := rec.Signature

	require.NoError(t, testIssuer(t, a).Sign(rec))
	assert.Equal(t, sig, rec.Signature)
}

func TestIssueRejectsInvalidRequests(t *testing.T) {
	a := testAuthority(t)
	past := testNow.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(r *IssueRequest)
		target error
	}{
		{"missing customer", func(r *IssueRequest) { r.CustomerName = "" }, apperrors.ErrInvalidRequestData},
		{"bad email", func(r *IssueRequest) { r.CustomerEmail = "not-an-email" }, apperrors.ErrInvalidRequestData},
		{"missing tier", func(r *IssueRequest) { r.Tier = 0 }, apperrors.ErrInvalidRequestData},
		{"unknown tier", func(r *IssueRequest) { r.Tier = 9 }, apperrors.ErrInvalidRequestData},
		{"unknown subscription", func(r *IssueRequest) { r.SubscriptionType = 9 }, apperrors.ErrInvalidRequestData},
		{"unknown license type", func(r *IssueRequest) { r.LicenseType = 9 }, apperrors.ErrInvalidRequestData},
		{"expiry in the past", func(r *IssueRequest) { r.ExpiresAt = &past }, apperrors.ErrInvalidRequestData},
		{"empty module", func(r *IssueRequest) { r.EnabledModules = []string{""} }, apperrors.ErrInvalidRequestData},
		{"four fingerprints", func(r *IssueRequest) { r.HardwareFingerprints = r.HardwareFingerprints[:4] }, apperrors.ErrInvalidFingerprint},
		{"no fingerprints", func(r *IssueRequest) { r.HardwareFingerprints = nil }, apperrors.ErrInvalidFingerprint},
		{"blank fingerprint", func(r *IssueRequest) { r.HardwareFingerprints[2] = "" }, apperrors.ErrInvalidRequestData},
		{"whitespace in fingerprint", func(r *IssueRequest) { r.HardwareFingerprints[2] = "C D" }, apperrors.ErrInvalidFingerprint},
		{"online with fingerprints", func(r *IssueRequest) { r.LicenseType = TypeOnline }, apperrors.ErrInvalidRequestData},
		{"customer not utf-8", func(r *IssueRequest) { r.CustomerName = "M\xfcller GmbH" }, apperrors.ErrInvalidRequestData},
		{"product not utf-8", func(r *IssueRequest) { r.ProductName = "Fathom\xff" }, apperrors.ErrInvalidRequestData},
		{"module not utf-8", func(r *IssueRequest) { r.EnabledModules = []string{"tide\xc3"} }, apperrors.ErrInvalidRequestData},
		{"fingerprint not utf-8", func(r *IssueRequest) { r.HardwareFingerprints[1] = "b\xff" }, apperrors.ErrInvalidFingerprint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := offlineRequest()
			tt.mutate(&req)
			rec, data, err := testIssuer(t, a).Issue(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.NotContains(t, err.Error(), "%!")
			assert.Nil(t, rec)
			assert.Nil(t, data)
		})
	}
}

func TestIssueValidationMessageNamesField(t *testing.T) {
	req := offlineRequest()
	req.CustomerEmail = "100%off"
	_, _, err := testIssuer(t, testAuthority(t)).Issue(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidRequestData)
	assert.Contains(t, err.Error(), `IssueRequest.CustomerEmail failed "email"`)
	assert.NotContains(t, err.Error(), "%!")
}

func TestIssuedNonASCIILicenseValidates(t *testing.T) {
	a := testAuthority(t)
	req := offlineRequest()
	req.CustomerName = "Müller Vermessung GmbH"

	rec, data := issue(t, a, req)
	parsed, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, Canonicalize(rec), Canonicalize(parsed))

	res, err := newTestValidator(t, a, liveAtoE).Validate(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status, res.Reason)
	assert.Equal(t, "Müller Vermessung GmbH", res.Record.CustomerName)
}

func TestIssuedFingerprintsMatchGeneratorCase(t *testing.T) {
	a := testAuthority(t)
	live := hardware.Set{
		hardware.HashComponent("cpu"), hardware.HashComponent("bios"), hardware.HashComponent("mac"),
		hardware.HashComponent("disk"), hardware.HashComponent("board"),
	}
	req := offlineRequest()
	req.HardwareFingerprints = make([]string, len(live))
	for n, fp := range live {
		req.HardwareFingerprints[n] = strings.ToUpper(fp)
	}

	rec, data := issue(t, a, req)
	assert.Equal(t, []string(live), rec.HardwareFingerprints)

	res, err := newTestValidator(t, a, live).Validate(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status, res.Reason)
	assert.Equal(t, hardware.ComponentCount, res.MatchCount)
}

func TestSignRejectsInvalidUTF8(t *testing.T) {
	a := testAuthority(t)
	rec, _ := issue(t, a, offlineRequest())
	rec.CustomerName = "bad \xff"
	err := testIssuer(t, a).Sign(rec)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRequestData)
}

func TestIssueRecordsInLedger(t *testing.T) {
	a := testAuthority(t)
	var recorded []*Record
	rec, _, err := testIssuer(t, a, WithRecorder(recorderFunc(func(_ context.Context, r *Record) error {
		recorded = append(recorded, r)
		return nil
	}))).Issue(context.Background(), offlineRequest())
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, rec.LicenseID, recorded[0].LicenseID)
	assert.NotEmpty(t, recorded[0].Signature)
}

func TestIssueFailsWhenLedgerFails(t *testing.T) {
	a := testAuthority(t)
	boom := errors.New("ledger offline")
	rec, data, err := testIssuer(t, a, WithRecorder(recorderFunc(func(context.Context, *Record) error {
		return boom
	}))).Issue(context.Background(), offlineRequest())
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, rec)
	assert.Nil(t, data)
}

func TestNewIssuerNeedsPrivateLicenseKey(t *testing.T) {
	a := testAuthority(t)

	_, err := NewIssuer(publicOnly(t, a))
	assert.ErrorIs(t, err, apperrors.ErrKeyNotLoaded)
	assert.True(t, signing.IsKeyNotLoaded(err))

	_, err = NewIssuer(nil)
	assert.ErrorIs(t, err, apperrors.ErrKeyNotLoaded)

	certKey, err := signing.GenerateAuthority(signing.PurposeCertificate)
	require.NoError(t, err)
	_, err = NewIssuer(certKey)
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey)
}
