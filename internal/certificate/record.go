package certificate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

// CanonicalTag prefixes every canonical certificate payload.
const CanonicalTag = "FATHOM-CERT-v1"

// SyncStatus tracks delivery of a certificate copy to the tracking server.
type SyncStatus string

const (
	SyncPending SyncStatus = "Pending"
	SyncSynced  SyncStatus = "Synced"
	SyncFailed  SyncStatus = "Failed"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// Record attests that a module finished processing a data set. The signature
// covers everything except the signature fields and the sync bookkeeping.
type Record struct {
	CertificateID  string            `json:"CertificateId"`
	ModuleID       string            `json:"ModuleId"`
	ModuleVersion  string            `json:"ModuleVersion"`
	ProjectName    string            `json:"ProjectName"`
	ClientName     string            `json:"ClientName"`
	VesselName     string            `json:"VesselName"`
	IssuedAt       time.Time         `json:"IssuedAt"`
	IssuedBy       string            `json:"IssuedBy"`
	LicenseID      string            `json:"LicenseId"`
	DataHash       string            `json:"DataHash"`
	ProcessingData map[string]string `json:"ProcessingData,omitempty"`

	Signature          []byte `json:"Signature"`
	SignatureAlgorithm string `json:"SignatureAlgorithm"`

	SyncStatus SyncStatus `json:"SyncStatus"`
	SyncedAt   *time.Time `json:"SyncedAt,omitempty"`
	SyncError  string     `json:"SyncError,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.ProcessingData = maps.Clone(r.ProcessingData)
	c.Signature = slices.Clone(r.Signature)
	if r.SyncedAt != nil {
		at := *r.SyncedAt
		c.SyncedAt = &at
	}
	return &c
}

// ComputeDataHash returns the hex SHA-256 of a processing payload.
func ComputeDataHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Canonicalize returns the bytes a certificate signature covers.
// ProcessingData is written in key order.
func Canonicalize(rec *Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(CanonicalTag)
	buf.WriteByte('\n')

	field := func(name, value string) {
		fmt.Fprintf(&buf, "%s=%d:%s\n", name, len(value), value)
	}
	field("CertificateId", rec.CertificateID)
	field("ModuleId", rec.ModuleID)
	field("ModuleVersion", rec.ModuleVersion)
	field("ProjectName", rec.ProjectName)
	field("ClientName", rec.ClientName)
	field("VesselName", rec.VesselName)
	field("IssuedAt", rec.IssuedAt.UTC().Format(time.RFC3339Nano))
	field("IssuedBy", rec.IssuedBy)
	field("LicenseId", rec.LicenseID)
	field("DataHash", rec.DataHash)

	keys := slices.Sorted(maps.Keys(rec.ProcessingData))
	fmt.Fprintf(&buf, "ProcessingData#%d\n", len(keys))
	for i, k := range keys {
		field("ProcessingData["+strconv.Itoa(i)+"].Key", k)
		field("ProcessingData["+strconv.Itoa(i)+"].Value", rec.ProcessingData[k])
	}
	return buf.Bytes()
}
