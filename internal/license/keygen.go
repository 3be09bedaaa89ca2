package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// License keys look like FOS-XXXX-XXXX-XXXX-XXXX. The alphabet drops 0, O,
// 1 and I so keys survive being read aloud or retyped.
const (
	LicenseKeyPrefix   = "FOS"
	licenseKeyAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	licenseKeyGroups   = 4
	licenseKeyGroupLen = 4
	licenseKeyBodyLen  = licenseKeyGroups * licenseKeyGroupLen
)

// GenerateLicenseKey returns a new random license key.
func GenerateLicenseKey() (string, error) {
	buf := make([]byte, licenseKeyBodyLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	body := make([]byte, licenseKeyBodyLen)
	for i, b := range buf {
		// 256 is a multiple of 32, so masking keeps the draw uniform.
		body[i] = licenseKeyAlphabet[int(b)&(len(licenseKeyAlphabet)-1)]
	}
	return formatLicenseKey(string(body)), nil
}

// NormalizeLicenseKey strips separators and whitespace, upper-cases the key
// and re-inserts dashes when the result has the expected length.
func NormalizeLicenseKey(key string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(key))

	if len(clean) != len(LicenseKeyPrefix)+licenseKeyBodyLen || !strings.HasPrefix(clean, LicenseKeyPrefix) {
		return clean
	}
	return formatLicenseKey(clean[len(LicenseKeyPrefix):])
}

// ValidateLicenseKeyFormat checks a key after normalization.
func ValidateLicenseKeyFormat(key string) error {
	clean := strings.ReplaceAll(NormalizeLicenseKey(key), "-", "")
	if !strings.HasPrefix(clean, LicenseKeyPrefix) {
		return fmt.Errorf("license key must start with %q", LicenseKeyPrefix)
	}
	body := clean[len(LicenseKeyPrefix):]
	if len(body) != licenseKeyBodyLen {
		return fmt.Errorf("license key must have %d characters after %q", licenseKeyBodyLen, LicenseKeyPrefix)
	}
	for _, r := range body {
		if !strings.ContainsRune(licenseKeyAlphabet, r) {
			return fmt.Errorf("license key contains invalid character %q", r)
		}
	}
	return nil
}

func formatLicenseKey(body string) string {
	var b strings.Builder
	b.WriteString(LicenseKeyPrefix)
	for i := 0; i < licenseKeyGroups; i++ {
		b.WriteByte('-')
		b.WriteString(body[i*licenseKeyGroupLen : (i+1)*licenseKeyGroupLen])
	}
	return b.String()
}
