package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// WeeksPerMonth converts weekly rents to monthly
const WeeksPerMonth = 4.33

var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`€\s*(\d{1,3}(?:[,\s]\d{3})+|\d+)(?:\.\d+)?`),
	regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})+|\d+)\s*(?:eur|euro)`),
	regexp.MustCompile(`(?i)(\d{1,3}(?:,\d{3})+|\d+)\s*(?:per month|p/m|pcm|pm)\b`),
}

var weeklyRe = regexp.MustCompile(`(?i)\b(?:week|weekly|pw|p/w)\b`)

// ParsePrice extracts a monthly euro rent from free text such as
// "€1,500 per month" or "From €250 per week". Weekly prices are
// converted with WeeksPerMonth and truncated to whole euro.
// It returns nil when no price is present.
func ParsePrice(text string) *float64 {
	text = normalizeWhitespace(text)
	if text == "" {
		return nil
	}

	for _, re := range pricePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		digits := strings.NewReplacer(",", "", " ", "").Replace(m[1])
		price, err := strconv.ParseFloat(digits, 64)
		if err != nil || price <= 0 {
			continue
		}
		if weeklyRe.MatchString(text) {
			price = math.Floor(price * WeeksPerMonth)
		}
		return &price
	}
	return nil
}
