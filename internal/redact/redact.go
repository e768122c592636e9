// Package redact masks personal data and credentials before text reaches logs or the
// session journal.
package redact

import (
	"regexp"

	"go.uber.org/zap"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	apiKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{8,}`)
)

// Text masks common high-risk patterns and reports whether anything changed.
func Text(input string) (redacted string, changed bool) {
	out := input
	// Credentials first so their digits are not taken for card or phone numbers.
	for _, rule := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{apiKeyPattern, "[REDACTED_KEY]"},
		{bearerPattern, "Bearer [REDACTED_TOKEN]"},
		{emailPattern, "[REDACTED_EMAIL]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := rule.re.ReplaceAllString(out, rule.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// String is a zap field carrying the redacted value.
func String(key, value string) zap.Field {
	out, _ := Text(value)
	return zap.String(key, out)
}

// Error renders err redacted; nil becomes "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	out, _ := Text(err.Error())
	return out
}
