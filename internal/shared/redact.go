package shared

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// secretValuePatterns each capture a keep-prefix (group 1) and a secret value
// (group 2). Only the value is replaced so log lines stay greppable by key.
var secretValuePatterns = []*regexp.Regexp{
	// key-like prefix followed by a long opaque value
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// UUID-shaped tokens behind auth-related prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// sensitiveKeyFragments flag a key name as credential-bearing wherever they
// appear in it, case-insensitively.
var sensitiveKeyFragments = []string{
	"api_key", "apikey", "secret", "token", "password", "credential",
}

// Redact masks secret-looking values in free-form text (log lines, event
// payloads, error strings).
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, pat := range secretValuePatterns {
		s = pat.ReplaceAllString(s, "${1}"+placeholder)
	}
	return s
}

// RedactEnvValue masks an environment value when its key names a credential.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, frag := range sensitiveKeyFragments {
		if strings.Contains(lower, frag) {
			return placeholder
		}
	}
	return value
}
