package models

import (
	"fmt"
	"time"
)

// Identity is the deduplication key of a listing: the source name plus the
// source's own identifier for the offer.
type Identity struct {
	SourceID   string
	ExternalID string
}

// String returns the identity in "source/external_id" form
func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.SourceID, id.ExternalID)
}

// Listing represents a rental offer normalized from any source
type Listing struct {
	SourceID     string
	ExternalID   string
	Title        string
	URL          string
	Location     string   // recognised area, empty when none was found
	Address      string   // address line as published, often the title
	Price        *float64 // Monthly rent, nil if it could not be parsed
	Bedrooms     *int     // nil if unknown; studios are 0
	PropertyType string
	PostedAt     *time.Time
	FetchedAt    time.Time

	// Optional details, shown by notification channels when present
	Bathrooms    *int
	ImageURL     string
	Description  string
	ContactEmail string // landlord or agent address, rarely published
}

// Identity returns the (source, external id) pair of the listing
func (l Listing) Identity() Identity {
	return Identity{SourceID: l.SourceID, ExternalID: l.ExternalID}
}

// SeenRecord is the durable trace of a listing identity that went through the pipeline
type SeenRecord struct {
	Identity    Identity
	FirstSeenAt time.Time
	Notified    bool
	Matched     bool // false when the listing was filtered out on first evaluation
	NotifiedAt  *time.Time
	ContactedAt *time.Time // set once an inquiry was emailed to the landlord

	// Details is the last stored version of the listing, nil when none was saved
	Details *Listing
}

// Pending reports whether the listing matched but was never delivered
func (r SeenRecord) Pending() bool {
	return r.Matched && !r.Notified
}

// FloatPtr returns a pointer to v
func FloatPtr(v float64) *float64 {
	return &v
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}
