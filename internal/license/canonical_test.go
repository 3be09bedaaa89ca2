package license

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func canonicalRecord() *Record {
	exp := time.Date(2027, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Record{
		LicenseID:            "7f1c2a9e-0d4b-4f7e-9a51-3c2b1d0e8f6a",
		LicenseKey:           "FOS-AB23-CD45-EF67-GH89",
		CustomerName:         "Test Customer",
		CustomerEmail:        "test@x.com",
		ProductName:          "FathomOS",
		Tier:                 TierProfessional,
		SubscriptionType:     SubscriptionYearly,
		IssuedAt:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ExpiresAt:            &exp,
		EnabledModules:       []string{ModuleSurveyListing, ModuleTideAnalysis},
		LicenseType:          TypeOffline,
		HardwareFingerprints: []string{"A", "B", "C", "D", "E"},
	}
}

func TestCanonicalizeLayout(t *testing.T) {
	got := string(Canonicalize(canonicalRecord()))
	want := strings.Join([]string{
		"FATHOM-LIC-v1",
		"LicenseId=36:7f1c2a9e-0d4b-4f7e-9a51-3c2b1d0e8f6a",
		"LicenseKey=23:FOS-AB23-CD45-EF67-GH89",
		"CustomerName=13:Test Customer",
		"CustomerEmail=10:test@x.com",
		"ProductName=8:FathomOS",
		"Tier=1:2",
		"SubscriptionType=1:2",
		"IssuedAt=20:2026-03-01T12:00:00Z",
		"ExpiresAt=20:2027-03-01T12:00:00Z",
		"EnabledModules#2",
		"EnabledModules[0]=14:survey-listing",
		"EnabledModules[1]=13:tide-analysis",
		"LicenseType=1:2",
		"HardwareFingerprints#5",
		"HardwareFingerprints[0]=1:A",
		"HardwareFingerprints[1]=1:B",
		"HardwareFingerprints[2]=1:C",
		"HardwareFingerprints[3]=1:D",
		"HardwareFingerprints[4]=1:E",
		"",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestCanonicalizeIgnoresSignatureAndModuleOrder(t *testing.T) {
	base := Canonicalize(canonicalRecord())

	signed := canonicalRecord()
	signed.Signature = []byte{1, 2, 3}
	signed.SignatureAlgorithm = "anything"
	assert.Equal(t, base, Canonicalize(signed))

	reordered := canonicalRecord()
	reordered.EnabledModules = []string{ModuleTideAnalysis, ModuleSurveyListing, ModuleTideAnalysis}
	assert.Equal(t, base, Canonicalize(reordered))

	local := canonicalRecord()
	local.IssuedAt = local.IssuedAt.In(time.FixedZone("AST", 3*3600))
	assert.Equal(t, base, Canonicalize(local))
}

func TestCanonicalizeDetectsChanges(t *testing.T) {
	base := Canonicalize(canonicalRecord())

	mutations := map[string]func(r *Record){
		"fingerprint order": func(r *Record) { r.HardwareFingerprints[0], r.HardwareFingerprints[1] = "B", "A" },
		"perpetual":         func(r *Record) { r.ExpiresAt = nil },
		"expiry nanosecond": func(r *Record) { exp := r.ExpiresAt.Add(time.Nanosecond); r.ExpiresAt = &exp },
		"tier":              func(r *Record) { r.Tier = TierEnterprise },
		"extra module":      func(r *Record) { r.EnabledModules = append(r.EnabledModules, ModuleNetworkTimeSync) },
		"license type":      func(r *Record) { r.LicenseType = TypeOnline },
		"empty vs missing":  func(r *Record) { r.HardwareFingerprints = append(r.HardwareFingerprints, "") },
		// a value that smuggles a field line must not collide with a real field
		"injected field": func(r *Record) {
			r.CustomerName = "Test Customer\nTier=1:3"
		},
		"shifted boundary": func(r *Record) {
			r.CustomerName = "Test Customer\nCustomerEmail=10:test@x.com"
			r.CustomerEmail = ""
		},
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := canonicalRecord()
			mutate(r)
			assert.False(t, bytes.Equal(base, Canonicalize(r)))
		})
	}
}
