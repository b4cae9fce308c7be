package parser

import (
	"regexp"
	"strings"
)

var (
	bedroomsRe  = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:double\s+|single\s+)?(?:bed|bedroom|bedrooms|beds)\b`)
	bathroomsRe = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?|\d*[¼½¾])\s*(?:bath|bathroom|bathrooms|baths)\b`)
	studioRe    = regexp.MustCompile(`(?i)\bstudio\b`)
)

// ParseBedrooms reads a bedroom count from text. A studio has zero
// bedrooms. It returns nil when the count is not stated.
func ParseBedrooms(text string) *int {
	if m := bedroomsRe.FindStringSubmatch(text); m != nil {
		if v, err := parseRoomValue(extractNumericToken(m[1])); err == nil {
			n := int(v)
			return &n
		}
	}
	if studioRe.MatchString(text) {
		n := 0
		return &n
	}
	return nil
}

// ParseBathrooms reads a bathroom count, rounding half baths down
func ParseBathrooms(text string) *int {
	m := bathroomsRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := parseRoomValue(extractNumericToken(m[1]))
	if err != nil {
		return nil
	}
	n := int(v)
	return &n
}

var propertyTypeKeywords = []struct {
	keyword string
	kind    string
}{
	{"studio", "studio"},
	{"apartment", "apartment"},
	{"apt", "apartment"},
	{"house", "house"},
	{"flat", "flat"},
	{"duplex", "duplex"},
	{"room", "room"},
}

// PropertyType guesses the property type from a title or description.
// Earlier keywords win, so "studio apartment" is a studio.
func PropertyType(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
		set[strings.TrimSuffix(w, "s")] = true
	}
	for _, k := range propertyTypeKeywords {
		if set[k.keyword] {
			return k.kind
		}
	}
	return ""
}
