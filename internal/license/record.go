package license

import (
	"slices"
	"time"
)

// Record is one issued license grant. Once signed it is immutable: any change
// needs a new signature.
type Record struct {
	LicenseID            string           `json:"LicenseId"`
	LicenseKey           string           `json:"LicenseKey"`
	CustomerName         string           `json:"CustomerName"`
	CustomerEmail        string           `json:"CustomerEmail"`
	ProductName          string           `json:"ProductName"`
	Tier                 Tier             `json:"Tier"`
	SubscriptionType     SubscriptionType `json:"SubscriptionType"`
	IssuedAt             time.Time        `json:"IssuedAt"`
	ExpiresAt            *time.Time       `json:"ExpiresAt"`
	EnabledModules       []string         `json:"EnabledModules"`
	LicenseType          Type             `json:"LicenseType"`
	HardwareFingerprints []string         `json:"HardwareFingerprints"`

	Signature          []byte `json:"-"`
	SignatureAlgorithm string `json:"-"`
}

// payloadFields lists the JSON keys of a v1 payload. Decoding checks keys
// against it case-sensitively.
var payloadFields = []string{
	"LicenseId",
	"LicenseKey",
	"CustomerName",
	"CustomerEmail",
	"ProductName",
	"Tier",
	"SubscriptionType",
	"IssuedAt",
	"ExpiresAt",
	"EnabledModules",
	"LicenseType",
	"HardwareFingerprints",
}

// Perpetual reports whether the license never expires.
func (r *Record) Perpetual() bool { return r.ExpiresAt == nil }

// Offline reports whether the license is bound to hardware.
func (r *Record) Offline() bool { return r.LicenseType == TypeOffline }

// HasModule reports whether the license enables module id.
func (r *Record) HasModule(id string) bool {
	return slices.Contains(r.EnabledModules, id)
}

// Signed reports whether the record carries a signature.
func (r *Record) Signed() bool { return len(r.Signature) > 0 }

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.EnabledModules = slices.Clone(r.EnabledModules)
	c.HardwareFingerprints = slices.Clone(r.HardwareFingerprints)
	c.Signature = slices.Clone(r.Signature)
	return &c
}

// normalizeModules sorts and de-duplicates module identifiers.
func normalizeModules(modules []string) []string {
	out := slices.Clone(modules)
	slices.Sort(out)
	return slices.Compact(out)
}
