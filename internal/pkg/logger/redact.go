package logger

import "strings"

// RedactKey masks a tenant API key for safe logging.
// "pk_live_kXJ4...w9fQ" → "pk_live_***w9fQ" (scheme and last 4 chars kept)
// Values without the scheme prefix are fully masked.
func RedactKey(key string) string {
	const scheme = "pk_live_"
	if !strings.HasPrefix(key, scheme) || len(key) < len(scheme)+8 {
		return "***"
	}
	return scheme + "***" + key[len(key)-4:]
}

// RedactID masks a visitor or cross-site identifier for safe logging.
// "guid_a1b2c3d4" → "guid_a1***" (id family and first 2 chars kept)
// Values without a family prefix are fully masked.
func RedactID(id string) string {
	idx := strings.Index(id, "_")
	if idx < 0 || len(id) < idx+3 {
		return "***"
	}
	return id[:idx+3] + "***"
}
