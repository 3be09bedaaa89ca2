package license

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/signing"
)

// FormatVersion is the only .lic envelope version this build reads and writes.
const FormatVersion = 1

// FileExtension is the conventional suffix of license files.
const FileExtension = ".lic"

var envelopeFields = []string{"FormatVersion", "Payload", "Signature", "SignatureAlgorithm"}

// envelope is the on-disk .lic layout.
type envelope struct {
	FormatVersion      int     `json:"FormatVersion"`
	Payload            *Record `json:"Payload"`
	Signature          string  `json:"Signature"`
	SignatureAlgorithm string  `json:"SignatureAlgorithm"`
}

// UnsupportedFormatVersionError reports a license file written by a newer
// format: either an unknown FormatVersion or a field this build does not
// know. Such files are rejected rather than read with fields dropped.
type UnsupportedFormatVersionError struct {
	Version int
	Field   string
}

func (e *UnsupportedFormatVersionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("unsupported license format: unknown field %q", e.Field)
	}
	return fmt.Sprintf("unsupported license format version %d (supported: %d)", e.Version, FormatVersion)
}

func (e *UnsupportedFormatVersionError) Unwrap() error { return apperrors.ErrUnsupportedFormatVersion }

// Serialize encodes a signed record as a .lic file.
func Serialize(rec *Record) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("serialize license: nil record")
	}
	if !rec.Signed() {
		return nil, errors.New("serialize license: record is not signed")
	}
	algorithm := rec.SignatureAlgorithm
	if algorithm == "" {
		algorithm = signing.Algorithm
	}

	data, err := json.MarshalIndent(envelope{
		FormatVersion:      FormatVersion,
		Payload:            rec,
		Signature:          base64.StdEncoding.EncodeToString(rec.Signature),
		SignatureAlgorithm: algorithm,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize license: %w", err)
	}
	return append(data, '\n'), nil
}

// Deserialize decodes a .lic file. Malformed input wraps ErrCorrupt; input
// from a newer format returns *UnsupportedFormatVersionError. The signature
// is not checked here.
func Deserialize(data []byte) (*Record, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, corrupt("envelope is not a JSON object: %v", err)
	}
	if err := checkFields(top, envelopeFields, "envelope"); err != nil {
		return nil, err
	}

	var version int
	if err := json.Unmarshal(top["FormatVersion"], &version); err != nil {
		return nil, corrupt("FormatVersion: %v", err)
	}
	if version != FormatVersion {
		return nil, &UnsupportedFormatVersionError{Version: version}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(top["Payload"], &payload); err != nil {
		return nil, corrupt("Payload is not a JSON object: %v", err)
	}
	if err := checkFields(payload, payloadFields, "payload"); err != nil {
		return nil, err
	}

	rec := &Record{}
	dec := json.NewDecoder(bytes.NewReader(top["Payload"]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(rec); err != nil {
		return nil, corrupt("Payload: %v", err)
	}
	if err := checkRecord(rec); err != nil {
		return nil, err
	}

	var sig, algorithm string
	if err := json.Unmarshal(top["Signature"], &sig); err != nil {
		return nil, corrupt("Signature: %v", err)
	}
	if err := json.Unmarshal(top["SignatureAlgorithm"], &algorithm); err != nil {
		return nil, corrupt("SignatureAlgorithm: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) == 0 {
		return nil, corrupt("Signature is not valid base64")
	}
	rec.Signature = raw
	rec.SignatureAlgorithm = algorithm
	return rec, nil
}

// checkFields compares object keys to the known set. Keys are compared
// case-sensitively because encoding/json would otherwise fold a re-cased key
// onto a known field.
func checkFields(obj map[string]json.RawMessage, known []string, where string) error {
	for key := range obj {
		if !slices.Contains(known, key) {
			return &UnsupportedFormatVersionError{Version: FormatVersion, Field: key}
		}
	}
	for _, key := range known {
		if _, ok := obj[key]; !ok {
			return corrupt("%s is missing %q", where, key)
		}
	}
	return nil
}

func checkRecord(rec *Record) error {
	switch {
	case rec.LicenseID == "":
		return corrupt("LicenseId is empty")
	case rec.IssuedAt.IsZero():
		return corrupt("IssuedAt is missing")
	case !rec.Tier.Valid():
		return corrupt("Tier is missing")
	case !rec.SubscriptionType.Valid():
		return corrupt("SubscriptionType is missing")
	case !rec.LicenseType.Valid():
		return corrupt("LicenseType is missing")
	}
	return nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrCorrupt, fmt.Sprintf(format, args...))
}

// WriteFile serializes rec to path with owner-only permissions.
func WriteFile(path string, rec *Record) error {
	data, err := Serialize(rec)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create license directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write license file: %w", err)
	}
	return nil
}

// ReadFile reads and decodes a .lic file without verifying it.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read license file: %w", err)
	}
	return Deserialize(data)
}
