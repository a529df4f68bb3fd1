package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate uppercases a raw plate string and strips everything except
// letters and digits, so "abc 123" and "ABC-123" collapse to the same key.
func NormalizePlate(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
