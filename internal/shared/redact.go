package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

type secretPattern struct {
	re *regexp.Regexp
	// keepPrefix preserves the first submatch (e.g. "api_key=") and masks the rest.
	keepPrefix bool
}

// secretPatterns matches secret-bearing text in chat prompts, command output and logs.
// Block patterns come first so a PEM body is masked as a single unit.
var secretPatterns = []secretPattern{
	{re: regexp.MustCompile(`(?s)-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----.*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)},
	{re: regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)},
	{re: regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}`)},
	{re: regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_\-]{35}\b`)},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), keepPrefix: true},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), keepPrefix: true},
}

// RedactSecrets masks provider keys, bot tokens and private-key blocks.
// The boolean reports whether anything was replaced.
func RedactSecrets(input string) (string, bool) {
	if input == "" {
		return input, false
	}
	result := input
	changed := false
	for _, pat := range secretPatterns {
		result = pat.re.ReplaceAllStringFunc(result, func(match string) string {
			changed = true
			if pat.keepPrefix {
				if sub := pat.re.FindStringSubmatch(match); len(sub) >= 3 {
					return sub[1] + redactedPlaceholder
				}
			}
			return redactedPlaceholder
		})
	}
	return result, changed
}

// Redact is RedactSecrets without the change report.
func Redact(input string) string {
	out, _ := RedactSecrets(input)
	return out
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}

// IsSensitiveKey reports whether a config/log key name is likely to hold a secret.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}
