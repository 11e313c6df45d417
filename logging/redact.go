package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":        {},
	"env":            {},
	"message":        {},
	"severity":       {},
	"timestamp":      {},
	"error":          {},
	"reason":         {},
	"component":      {},
	"transaction_id": {},
	"notification":   {},
	"operation":      {},
	"status":         {},
	"channel":        {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that redacts value unless key is allowlisted.
// Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
