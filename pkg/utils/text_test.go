package utils

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "busy", 10, "busy"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"backs off split rune", "abécd", 3, "ab"},
		{"keeps whole rune", "abécd", 4, "abé"},
		{"four byte rune", "x\U0001F4DEy", 3, "x"},
		{"drops invalid bytes", "ok\xc3(", 10, "ok("},
		{"zero", "abc", 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TruncateUTF8(tc.in, tc.n)
			if got != tc.want {
				t.Fatalf("TruncateUTF8(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
			}
			if !utf8.ValidString(got) {
				t.Fatalf("result is not valid UTF-8: %q", got)
			}
		})
	}
}

func TestTruncateUTF8_ProviderMessageAtLimit(t *testing.T) {
	msg := strings.Repeat("a", 499) + "é rejected"
	got := TruncateUTF8(msg, 500)
	if !utf8.ValidString(got) || len(got) != 499 {
		t.Fatalf("expected 499 valid bytes, got len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}
