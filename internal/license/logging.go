package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fathomlicense/internal/infrastructure"
)

const componentName = "license_manager"

// logAction logs one license action with trace correlation.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	if trace.SpanFromContext(ctx).IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": componentName,
		})
	}

	all := []slog.Attr{
		slog.String("component", componentName),
		slog.String("action", action),
		slog.String("result", result),
	}
	all = append(all, attrs...)
	m.logger.LogAttrs(ctx, level, result, all...)
}

// logRecordAction adds masked record identity to logAction. Raw keys and
// emails never reach the log.
func (m *Manager) logRecordAction(ctx context.Context, level slog.Level, action, result string, rec *Record, attrs ...slog.Attr) {
	if rec != nil {
		span := trace.SpanFromContext(ctx)
		if span.IsRecording() {
			span.SetAttributes(
				attribute.String("license.id_hash", hashIdentifier(rec.LicenseID)),
				attribute.String("license.tier", rec.Tier.String()),
				attribute.String("license.type", rec.LicenseType.String()),
			)
		}
		attrs = append([]slog.Attr{
			slog.String("license_id_hash", hashIdentifier(rec.LicenseID)),
			slog.String("license_key_masked", maskLicenseKey(rec.LicenseKey)),
			slog.String("customer_email_masked", maskEmail(rec.CustomerEmail)),
			slog.String("tier", rec.Tier.String()),
			slog.String("license_type", rec.LicenseType.String()),
		}, attrs...)
	}
	m.logAction(ctx, level, action, result, attrs...)
}

// logResult logs a validation outcome at the severity its status carries.
func (m *Manager) logResult(ctx context.Context, res Result) {
	info := res.Status.Info()
	attrs := []slog.Attr{
		slog.String("status", info.Name),
		slog.String("reason", res.Reason),
		slog.String("user_action", info.Action),
	}
	if res.Required > 0 {
		attrs = append(attrs,
			slog.Int("hardware_matches", res.MatchCount),
			slog.Int("hardware_required", res.Required))
	}
	if info.Integrity {
		attrs = append(attrs, slog.String("audit_category", "license_integrity"))
	}
	m.logRecordAction(ctx, info.Level, "validation", info.Message, res.Record, attrs...)
}

// maskLicenseKey keeps the prefix and first group: FOS-AB12-****-****.
func maskLicenseKey(key string) string {
	parts := strings.Split(key, "-")
	if len(parts) >= 3 {
		masked := parts[0] + "-" + parts[1]
		for range parts[2:] {
			masked += "-****"
		}
		return masked
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// maskEmail hides the mailbox but keeps the domain.
func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	at := strings.LastIndex(email, "@")
	if at == -1 {
		return "****"
	}
	user, domain := email[:at], email[at:]
	if len(user) <= 2 {
		return "**" + domain
	}
	return user[:1] + "****" + user[len(user)-1:] + domain
}

// hashIdentifier returns a short stable hash for correlating log lines.
func hashIdentifier(id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}
