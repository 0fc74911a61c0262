package config

import (
	"regexp"
	"strings"
)

// DefaultInstanceName is used when the hostname yields nothing usable.
const DefaultInstanceName = "deskpilot"

var (
	validNameRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
	leadingDash  = regexp.MustCompile(`^-+`)
	trailingDash = regexp.MustCompile(`-+$`)
)

// NormalizeInstanceName turns a hostname or user label into a DNS-label-safe
// name for discovery records:
//   - Lowercase, max 63 chars
//   - Only [a-z0-9-] allowed, anything else collapses to "-"
//   - Leading/trailing dashes stripped
func NormalizeInstanceName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return DefaultInstanceName
	}

	lower := strings.ToLower(trimmed)
	if i := strings.IndexByte(lower, '.'); i > 0 {
		lower = lower[:i]
	}
	if validNameRe.MatchString(lower) && !strings.HasSuffix(lower, "-") {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = leadingDash.ReplaceAllString(result, "")
	if len(result) > 63 {
		result = result[:63]
	}
	result = trailingDash.ReplaceAllString(result, "")

	if result == "" {
		return DefaultInstanceName
	}
	return result
}
