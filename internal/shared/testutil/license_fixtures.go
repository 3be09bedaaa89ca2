package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fathomlicense/internal/hardware"
	"fathomlicense/internal/license"
	"fathomlicense/internal/signing"
)

// IssueTime is the fixed clock the fixtures issue at.
var IssueTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Authority generates a fresh signing authority for purpose.
func Authority(t *testing.T, purpose signing.Purpose) *signing.Authority {
	t.Helper()
	a, err := signing.GenerateAuthority(purpose)
	require.NoError(t, err)
	return a
}

// Verifier returns the verify-only twin of a.
func Verifier(t *testing.T, a *signing.Authority) *signing.Authority {
	t.Helper()
	v, err := signing.NewVerifier(a.Purpose(), a.PublicKey())
	require.NoError(t, err)
	return v
}

// SetPEMEnv exports a's key pair through the variables signing.LoadFromEnv reads.
func SetPEMEnv(t *testing.T, a *signing.Authority, privVar, pubVar string) {
	t.Helper()
	pub, err := a.MarshalPublicPEM()
	require.NoError(t, err)
	t.Setenv(pubVar, string(pub))
	if privVar == "" {
		return
	}
	priv, err := a.MarshalPrivatePEM()
	require.NoError(t, err)
	t.Setenv(privVar, string(priv))
}

// FingerprintSet returns a deterministic, fully available fingerprint set
// derived from seed. Different seeds share no components.
func FingerprintSet(seed string) hardware.Set {
	set := make(hardware.Set, hardware.ComponentCount)
	for i := range set {
		set[i] = hardware.HashComponent(fmt.Sprintf("%s/%s", seed, hardware.Component(i)))
	}
	return set
}

// StaticFingerprints serves a fixed set as the live machine's fingerprints.
type StaticFingerprints hardware.Set

// Generate implements license.FingerprintProvider.
func (s StaticFingerprints) Generate(context.Context) (hardware.Set, error) {
	return hardware.Set(s), nil
}

// IssueRequest returns an offline Professional request bound to machine.
func IssueRequest(machine string) license.IssueRequest {
	return license.IssueRequest{
		CustomerName:         "Fugro Survey Ltd",
		CustomerEmail:        "licensing@fugro.example",
		ProductName:          "FathomOS",
		Tier:                 license.TierProfessional,
		SubscriptionType:     license.SubscriptionYearly,
		LicenseType:          license.TypeOffline,
		HardwareFingerprints: FingerprintSet(machine),
	}
}

// IssueLicense signs req with a at IssueTime, recording it when recorder is set.
func IssueLicense(t *testing.T, a *signing.Authority, req license.IssueRequest, recorder license.Recorder) (*license.Record, []byte) {
	t.Helper()
	opts := []license.IssuerOption{license.WithIssuerClock(func() time.Time { return IssueTime })}
	if recorder != nil {
		opts = append(opts, license.WithRecorder(recorder))
	}
	issuer, err := license.NewIssuer(a, opts...)
	require.NoError(t, err)
	rec, data, err := issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	return rec, data
}
