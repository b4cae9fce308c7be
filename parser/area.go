package parser

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	postalDistrictRe = regexp.MustCompile(`(?i)dublin\s*(\d{1,2}w?)\b`)
	slugCleanRe      = regexp.MustCompile(`[^a-z0-9-]`)
	hyphensRe        = regexp.MustCompile(`-+`)
)

// KnownAreas are neighbourhoods recognized in addresses
var KnownAreas = []string{
	"Rathmines", "Ranelagh", "Portobello", "Drumcondra",
	"Phibsborough", "Smithfield", "Stoneybatter", "Dundrum",
	"Stillorgan", "Blackrock", "Dun Laoghaire", "Sandymount",
	"Ballsbridge", "Clontarf", "Glasnevin", "Terenure",
	"Harold's Cross", "Ringsend", "Grand Canal Dock", "IFSC",
}

// ExtractArea finds the Dublin postal district or known neighbourhood in
// an address. "12 Main St, Dublin 6w" gives "Dublin 6W". It returns ""
// when the address names neither.
func ExtractArea(address string) string {
	if address == "" {
		return ""
	}

	if m := postalDistrictRe.FindStringSubmatch(address); m != nil {
		return fmt.Sprintf("Dublin %s", strings.ToUpper(m[1]))
	}

	lower := strings.ToLower(address)
	for _, area := range KnownAreas {
		if strings.Contains(lower, strings.ToLower(area)) {
			return area
		}
	}
	return ""
}

var areaSlugs = map[string]string{
	"dublin city centre": "dublin-city-centre",
	"harold's cross":     "harolds-cross",
	"harolds cross":      "harolds-cross",
	"grand canal":        "grand-canal-dock",
	"dun laoghaire":      "dun-laoghaire",
}

// AreaSlug converts an area name to the URL slug used by listing feeds:
// "Dublin 8" gives "dublin-8".
func AreaSlug(area string) string {
	lower := strings.ToLower(strings.TrimSpace(area))
	if slug, ok := areaSlugs[lower]; ok {
		return slug
	}
	slug := strings.ReplaceAll(lower, " ", "-")
	slug = slugCleanRe.ReplaceAllString(slug, "")
	return strings.Trim(hyphensRe.ReplaceAllString(slug, "-"), "-")
}
