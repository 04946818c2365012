package utils

import (
	"strings"
	"unicode/utf8"
)

// TruncateUTF8 returns at most n bytes of s, cut on a rune boundary. Invalid
// byte sequences are dropped so the result is always safe for a text column.
func TruncateUTF8(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
