// Package phone canonicalizes contact phone numbers into digest keys used for
// candidate deduplication.
package phone

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// DefaultCountryCode is applied to national numbers written with a trunk zero.
const DefaultCountryCode = "420"

// Normalizer turns raw phone strings into comparable digit strings. The zero
// value performs no trunk-prefix rewriting.
type Normalizer struct {
	// CountryCode replaces the national trunk prefix ("0123..." -> "420123...").
	// Empty disables the rewrite; leading zeros are then only stripped.
	CountryCode string
}

// New returns a Normalizer for the given default country calling code.
// Non-digit characters in cc are ignored.
func New(cc string) Normalizer {
	return Normalizer{CountryCode: digitsOnly(cc)}
}

// Normalize returns the canonical digit string for raw. Malformed input
// (invalid UTF-8) normalizes to the empty string.
//
// Rules: fold full-width and compatibility digits, drop everything that is
// not 0-9, treat a leading "+" or "00" as an international prefix, rewrite a
// national trunk "0" to the default country code, strip leading zeros.
// Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(raw string) string {
	if !utf8.ValidString(raw) {
		return ""
	}
	s := strings.TrimSpace(norm.NFKC.String(width.Fold.String(raw)))
	if s == "" {
		return ""
	}

	international := strings.HasPrefix(s, "+")
	digits := digitsOnly(s)
	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = digits[2:]
	}

	national := strings.TrimLeft(digits, "0")
	if national == "" {
		return ""
	}
	if !international && n.CountryCode != "" && strings.HasPrefix(digits, "0") {
		return n.CountryCode + national
	}
	return national
}

// Digest returns the lowercase hex SHA-256 of the normalized phone.
func (n Normalizer) Digest(raw string) string {
	return Hash(n.Normalize(raw))
}

// Key returns the deduplication key for a contact. Candidates without a usable
// phone fall back to their normalized email; with neither, every such
// candidate shares the empty-phone digest.
func (n Normalizer) Key(rawPhone, email string) string {
	if p := n.Normalize(rawPhone); p != "" {
		return Hash(p)
	}
	if e := NormalizeEmail(email); e != "" {
		return Hash("email:" + e)
	}
	return Hash("")
}

// NormalizeEmail lowercases and trims an email address. Malformed input
// normalizes to the empty string.
func NormalizeEmail(raw string) string {
	if !utf8.ValidString(raw) {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// Hash returns the lowercase hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
