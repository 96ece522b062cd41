package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var unsafeChars = regexp.MustCompile(`[^\w\-.]+`)

// Sanitize turns an arbitrary product title or id into a safe file name:
// accents are stripped, and runs of punctuation and whitespace (everything
// but word characters, '-', '.' and '_') collapse to a single '_'.
// Sanitize is idempotent.
func Sanitize(s string) string {
	s = stripAccents(s)
	s = unsafeChars.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

func stripAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}
