package types

import (
	"strings"
	"unicode"
)

// NormalizeID reduces a meter identification to uppercase letters, digits and
// punctuation. Whitespace and control characters are dropped so that vendor
// formatting ("1 EMH 00 4921570") compares equal to the compact form.
func NormalizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r > unicode.MaxASCII {
			continue
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsPunct(r) || unicode.IsSymbol(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// IDMatches reports whether a reported meter id satisfies the configured
// expectation. The expected id must appear as a substring of the reported id
// after normalization, which tolerates vendor prefixes and separators.
// An empty expectation matches everything.
func IDMatches(expected, reported string) bool {
	if expected == "" {
		return true
	}
	return strings.Contains(NormalizeID(reported), NormalizeID(expected))
}
