package log

import "strings"

// SanitizeField masks the value when the key looks like it carries a secret.
// Provider API keys and webhook auth headers pass through log fields in this
// service, so masking happens at the logging boundary rather than at call sites.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	sensitiveKeywords := []string{
		"password", "passwd",
		"api_key", "apikey", "api-key",
		"token",
		"secret", "auth", "authorization",
		"credential",
		"dsn",
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return maskValue(value)
		}
	}

	return value
}

// maskValue keeps the first and last 4 characters of long values so that
// operators can still correlate keys across log lines.
func maskValue(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
