package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString removes control characters other than newline and tab,
// then trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// TruncateString truncates s to at most maxLen runes, marking the cut with
// an ellipsis when there is room for one.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
