// Package redact masks personal identifiers in free text before it reaches
// logs, operator error detail or the classification service.
package redact

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Patterns compiled once at package init.
var (
	rePAN      = regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`)
	reAadhaar  = regexp.MustCompile(`\b[2-9][0-9]{3}\s?[0-9]{4}\s?[0-9]{4}\b`)
	reMobile   = regexp.MustCompile(`(\+91[\-\s]?)?\b[6-9][0-9]{9}\b`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reAccount  = regexp.MustCompile(`\b[0-9]{11,18}\b`)
	reDatetime = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`)
	reUUID     = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reNumber   = regexp.MustCompile(`\d+`)
	reSpace    = regexp.MustCompile(`\s+`)
)

// MaxDetailBytes caps operator error detail stored on a Job Record.
const MaxDetailBytes = 4000

// String masks PAN, Aadhaar, mobile, e-mail and bank-account-like numbers.
// Order matters: the longer numeric patterns run first.
func String(s string) string {
	s = reEmail.ReplaceAllString(s, "[email]")
	s = rePAN.ReplaceAllString(s, "[pan]")
	s = reAccount.ReplaceAllString(s, "[account]")
	s = reAadhaar.ReplaceAllString(s, "[aadhaar]")
	s = reMobile.ReplaceAllString(s, "[mobile]")
	return s
}

// Detail prepares an executor error for storage in JobError.Detail.
func Detail(s string) string {
	return Truncate(String(s), MaxDetailBytes)
}

// Fingerprint is a stable hash of an error text with volatile parts removed,
// so recurring portal failures group under one value in the logs.
func Fingerprint(s string) string {
	n := String(s)
	n = reDatetime.ReplaceAllString(n, "")
	n = reUUID.ReplaceAllString(n, "UUID")
	n = reNumber.ReplaceAllString(n, "N")
	n = reSpace.ReplaceAllString(n, " ")
	n = strings.ToLower(strings.TrimSpace(n))
	sum := sha256.Sum256([]byte(Truncate(n, 500)))
	return fmt.Sprintf("%x", sum[:8])
}

// Truncate truncates s to maxBytes without splitting UTF-8 runes.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
