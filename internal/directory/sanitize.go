package directory

import (
	"strings"
	"unicode"
)

// Sanitize drops invalid or truncated UTF-8 sequences and control characters
// and trims surrounding whitespace. Phonebook text flows into generated
// output, so malformed encodings must not pass through.
func Sanitize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// IsPhoneNumber reports whether s is a non-empty run of ASCII digits.
func IsPhoneNumber(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
