package notify

import (
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"rental-hunter/models"
)

//go:embed schemas
var schemasFS embed.FS

const (
	listingEventType    = "ListingMatchedEvent"
	listingEventVersion = "1.0.0"
	listingEventSchema  = "schemas/listing-matched/v1.json"
)

// ListingEvent is the message published for a matched listing
type ListingEvent struct {
	EventID      uuid.UUID  `json:"event_id"`
	SourceID     string     `json:"source_id"`
	ExternalID   string     `json:"external_id"`
	Title        string     `json:"title,omitempty"`
	URL          string     `json:"url"`
	Location     string     `json:"location,omitempty"`
	Address      string     `json:"address,omitempty"`
	Price        *float64   `json:"price"`
	Bedrooms     *int       `json:"bedrooms"`
	Bathrooms    *int       `json:"bathrooms"`
	PropertyType string     `json:"property_type,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	Description  string     `json:"description,omitempty"`
	PostedAt     *time.Time `json:"posted_at"`
	FetchedAt    time.Time  `json:"fetched_at"`
	SentAt       time.Time  `json:"sent_at"`
}

// NewListingEvent builds the event for a listing
func NewListingEvent(listing models.Listing, sentAt time.Time) ListingEvent {
	return ListingEvent{
		EventID:      uuid.New(),
		SourceID:     listing.SourceID,
		ExternalID:   listing.ExternalID,
		Title:        listing.Title,
		URL:          listing.URL,
		Location:     listing.Location,
		Address:      listing.Address,
		Price:        listing.Price,
		Bedrooms:     listing.Bedrooms,
		Bathrooms:    listing.Bathrooms,
		PropertyType: listing.PropertyType,
		ImageURL:     listing.ImageURL,
		Description:  listing.Description,
		PostedAt:     listing.PostedAt,
		FetchedAt:    listing.FetchedAt,
		SentAt:       sentAt,
	}
}

// eventValidator checks event bodies against the embedded JSON schema
type eventValidator struct {
	schema *jsonschema.Schema
}

func newEventValidator() (*eventValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	file, err := schemasFS.Open(listingEventSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to open event schema: %w", err)
	}
	defer file.Close()

	if err := compiler.AddResource(listingEventSchema, file); err != nil {
		return nil, fmt.Errorf("failed to add event schema: %w", err)
	}
	schema, err := compiler.Compile(listingEventSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile event schema: %w", err)
	}
	return &eventValidator{schema: schema}, nil
}

// Validate parses body and validates it against the schema
func (v *eventValidator) Validate(body []byte) error {
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("event body is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("event schema validation failed: %w", err)
	}
	return nil
}
