package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fathomlicense/internal/hardware"
	"fathomlicense/internal/signing"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var liveAtoE = hardware.Set{"A", "B", "C", "D", "E"}

type staticFingerprints struct {
	set   hardware.Set
	err   error
	calls int
}

func (s *staticFingerprints) Generate(context.Context) (hardware.Set, error) {
	s.calls++
	return s.set, s.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testAuthority(t *testing.T) *signing.Authority {
	t.Helper()
	a, err := signing.GenerateAuthority(signing.PurposeLicense)
	require.NoError(t, err)
	return a
}

// publicOnly returns a verify-only copy of a, as a client install holds.
func publicOnly(t *testing.T, a *signing.Authority) *signing.Authority {
	t.Helper()
	v, err := signing.NewVerifier(signing.PurposeLicense, a.PublicKey())
	require.NoError(t, err)
	return v
}

func testIssuer(t *testing.T, a *signing.Authority, opts ...IssuerOption) *Issuer {
	t.Helper()
	opts = append([]IssuerOption{WithIssuerClock(fixedClock(testNow))}, opts...)
	iss, err := NewIssuer(a, opts...)
	require.NoError(t, err)
	return iss
}

func offlineRequest() IssueRequest {
	exp := testNow.Add(365 * 24 * time.Hour)
	return IssueRequest{
		CustomerName:         "Test Customer",
		CustomerEmail:        "test@x.com",
		Tier:                 TierProfessional,
		SubscriptionType:     SubscriptionYearly,
		LicenseType:          TypeOffline,
		HardwareFingerprints: []string{"A", "B", "C", "D", "E"},
		ExpiresAt:            &exp,
	}
}

func issue(t *testing.T, a *signing.Authority, req IssueRequest) (*Record, []byte) {
	t.Helper()
	rec, data, err := testIssuer(t, a).Issue(context.Background(), req)
	require.NoError(t, err)
	return rec, data
}

func newTestValidator(t *testing.T, a *signing.Authority, live hardware.Set, opts ...ValidatorOption) *Validator {
	t.Helper()
	opts = append([]ValidatorOption{
		WithFingerprints(&staticFingerprints{set: live}),
		WithClock(fixedClock(testNow)),
	}, opts...)
	v, err := NewValidator(publicOnly(t, a), opts...)
	require.NoError(t, err)
	return v
}
