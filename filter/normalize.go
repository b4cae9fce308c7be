package filter

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// normalizeLocation folds case, strips accents and reduces punctuation to
// single spaces, so "Rathmines,  DUBLIN 6" becomes "rathmines dublin 6".
func normalizeLocation(s string) string {
	// transformers and casers are stateful, build them per call
	stripAccents := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripAccents, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// containsWords reports whether needle occurs in haystack on word
// boundaries. Both must already be normalized.
func containsWords(haystack, needle string) bool {
	if haystack == needle {
		return true
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}
