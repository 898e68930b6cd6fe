package utils

import (
	"strings"
	"unicode/utf8"
)

// Preview renders s as a single log line of at most limit runes. Runs of
// whitespace, newlines included, become one space; a cut is marked with "...".
func Preview(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
