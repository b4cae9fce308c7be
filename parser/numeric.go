// Package parser holds the text helpers shared by the site adapters:
// prices, room counts, areas, identifiers and HTML cleanup.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var unicodeFractionMap = map[rune]float64{
	'¼': 0.25,
	'½': 0.5,
	'¾': 0.75,
	'⅓': 1.0 / 3.0,
	'⅔': 2.0 / 3.0,
	'⅛': 0.125,
}

var (
	numericTokenRe   = regexp.MustCompile(`(?:\d+[.,]\d+|\d+\s+\d+/\d+|\d+[¼½¾⅓⅔⅛]|\d+/\d+|[¼½¾⅓⅔⅛]|\d+)`)
	unicodeMixedRe   = regexp.MustCompile(`^(\d+)?\s*([¼½¾⅓⅔⅛])$`)
	mixedFractionRe  = regexp.MustCompile(`^(\d+)\s+(\d+)\s*/\s*(\d+)$`)
	simpleFractionRe = regexp.MustCompile(`^(\d+)\s*/\s*(\d+)$`)
)

// normalizeWhitespace replaces unicode whitespace with single spaces
func normalizeWhitespace(text string) string {
	normalized := strings.Builder{}
	for _, r := range text {
		if unicode.IsSpace(r) {
			normalized.WriteRune(' ')
		} else {
			normalized.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(normalized.String()), " ")
}

// extractNumericToken returns the first number-like token in text:
// "2.5", "2,5", "2 1/2", "2½", "1/2", "½" or a plain integer.
func extractNumericToken(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(numericTokenRe.FindString(text))
}

// parseRoomValue parses a token found by extractNumericToken
func parseRoomValue(token string) (float64, error) {
	if token == "" {
		return 0, fmt.Errorf("empty token")
	}

	token = normalizeWhitespace(token)
	token = strings.ReplaceAll(token, ",", ".")

	// "2½" or "½"
	if m := unicodeMixedRe.FindStringSubmatch(token); m != nil {
		whole := 0.0
		if m[1] != "" {
			whole, _ = strconv.ParseFloat(m[1], 64)
		}
		r := []rune(m[2])[0]
		return whole + unicodeFractionMap[r], nil
	}

	// "2 1/2"
	if m := mixedFractionRe.FindStringSubmatch(token); m != nil {
		whole, _ := strconv.ParseFloat(m[1], 64)
		numerator, _ := strconv.ParseFloat(m[2], 64)
		denominator, _ := strconv.ParseFloat(m[3], 64)
		if denominator != 0 {
			return whole + numerator/denominator, nil
		}
	}

	// "1/2"
	if m := simpleFractionRe.FindStringSubmatch(token); m != nil {
		numerator, _ := strconv.ParseFloat(m[1], 64)
		denominator, _ := strconv.ParseFloat(m[2], 64)
		if denominator != 0 {
			return numerator / denominator, nil
		}
	}

	val, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to parse token: %s", token)
	}
	return val, nil
}
