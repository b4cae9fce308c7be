package filter

import (
	"strings"

	"rental-hunter/config"
	"rental-hunter/models"
)

// AnyPropertyType in the allowed set admits every property type
const AnyPropertyType = "any"

// Filter applies a criteria snapshot to listings
type Filter struct {
	criteria  config.Criteria
	locations []string
}

// NewFilter creates a new Filter instance. Allowed locations are normalized once.
func NewFilter(criteria config.Criteria) *Filter {
	locations := make([]string, 0, len(criteria.Locations))
	for _, loc := range criteria.Locations {
		if n := normalizeLocation(loc); n != "" {
			locations = append(locations, n)
		}
	}
	return &Filter{criteria: criteria, locations: locations}
}

// Matches reports whether listing satisfies every configured constraint
func (f *Filter) Matches(listing models.Listing) bool {
	c := f.criteria

	// Unknown price or bedrooms never exclude
	if listing.Price != nil {
		if c.MinPrice != nil && *listing.Price < *c.MinPrice {
			return false
		}
		if c.MaxPrice != nil && *listing.Price > *c.MaxPrice {
			return false
		}
	}

	if listing.Bedrooms != nil {
		if c.MinBedrooms != nil && *listing.Bedrooms < *c.MinBedrooms {
			return false
		}
		if c.MaxBedrooms != nil && *listing.Bedrooms > *c.MaxBedrooms {
			return false
		}
	}

	// An unrecognised area never excludes. A recognised one excludes only
	// when neither it nor the published address names an allowed location.
	if len(f.locations) > 0 && strings.TrimSpace(listing.Location) != "" {
		if !f.matchesLocation(listing.Location) && !f.matchesLocation(listing.Address) {
			return false
		}
	}

	if len(c.PropertyTypes) > 0 && strings.TrimSpace(listing.PropertyType) != "" {
		if !matchesPropertyType(listing.PropertyType, c.PropertyTypes) {
			return false
		}
	}

	return true
}

// Apply returns the listings that match
func (f *Filter) Apply(listings []models.Listing) []models.Listing {
	var filtered []models.Listing

	for _, listing := range listings {
		if f.Matches(listing) {
			filtered = append(filtered, listing)
		}
	}

	return filtered
}

// Matches is a convenience for one-off checks
func Matches(listing models.Listing, criteria config.Criteria) bool {
	return NewFilter(criteria).Matches(listing)
}

func (f *Filter) matchesLocation(location string) bool {
	loc := normalizeLocation(location)
	if loc == "" {
		return false
	}
	for _, allowed := range f.locations {
		if containsWords(loc, allowed) {
			return true
		}
	}
	return false
}

func matchesPropertyType(propertyType string, allowed []string) bool {
	pt := strings.TrimSpace(propertyType)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if strings.EqualFold(a, AnyPropertyType) || strings.EqualFold(a, pt) {
			return true
		}
	}
	return false
}
