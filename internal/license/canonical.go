package license

import (
	"bytes"
	"strconv"
	"time"
)

// CanonicalTag prefixes every canonical payload. A new tag is required
// whenever the field set or encoding changes.
const CanonicalTag = "FATHOM-LIC-v1"

// Canonicalize returns the bytes a license signature covers. Fields are
// written in a fixed order as name=len:value lines so no value can be
// confused with a delimiter. EnabledModules is a set and is written sorted;
// HardwareFingerprints is positional and keeps its order. The signature
// itself is excluded.
func Canonicalize(rec *Record) []byte {
	var buf bytes.Buffer
	buf.WriteString(CanonicalTag)
	buf.WriteByte('\n')

	writeField(&buf, "LicenseId", rec.LicenseID)
	writeField(&buf, "LicenseKey", rec.LicenseKey)
	writeField(&buf, "CustomerName", rec.CustomerName)
	writeField(&buf, "CustomerEmail", rec.CustomerEmail)
	writeField(&buf, "ProductName", rec.ProductName)
	writeField(&buf, "Tier", strconv.Itoa(int(rec.Tier)))
	writeField(&buf, "SubscriptionType", strconv.Itoa(int(rec.SubscriptionType)))
	writeField(&buf, "IssuedAt", canonicalTime(rec.IssuedAt))
	expires := ""
	if rec.ExpiresAt != nil {
		expires = canonicalTime(*rec.ExpiresAt)
	}
	writeField(&buf, "ExpiresAt", expires)
	writeList(&buf, "EnabledModules", normalizeModules(rec.EnabledModules))
	writeField(&buf, "LicenseType", strconv.Itoa(int(rec.LicenseType)))
	writeList(&buf, "HardwareFingerprints", rec.HardwareFingerprints)

	return buf.Bytes()
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func writeField(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteByte('=')
	buf.WriteString(strconv.Itoa(len(value)))
	buf.WriteByte(':')
	buf.WriteString(value)
	buf.WriteByte('\n')
}

func writeList(buf *bytes.Buffer, name string, values []string) {
	buf.WriteString(name)
	buf.WriteByte('#')
	buf.WriteString(strconv.Itoa(len(values)))
	buf.WriteByte('\n')
	for i, v := range values {
		writeField(buf, name+"["+strconv.Itoa(i)+"]", v)
	}
}
