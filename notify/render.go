package notify

import (
	"fmt"
	"strconv"
	"strings"

	"rental-hunter/models"
)

// Field names a listing attribute a channel may show
type Field string

const (
	FieldTitle       Field = "title"
	FieldPrice       Field = "price"
	FieldBedrooms    Field = "bedrooms"
	FieldBathrooms   Field = "bathrooms"
	FieldLocation    Field = "location"
	FieldType        Field = "type"
	FieldSource      Field = "source"
	FieldPosted      Field = "posted"
	FieldDescription Field = "description"
	FieldImage       Field = "image"
	FieldURL         Field = "url"
)

// DefaultFields is used when the configuration names none
var DefaultFields = []Field{FieldTitle, FieldPrice, FieldBedrooms, FieldBathrooms, FieldLocation, FieldSource, FieldURL}

var knownFields = map[Field]bool{
	FieldTitle: true, FieldPrice: true, FieldBedrooms: true, FieldBathrooms: true,
	FieldLocation: true, FieldType: true, FieldSource: true, FieldPosted: true,
	FieldDescription: true, FieldImage: true, FieldURL: true,
}

// descriptionLimit caps the description excerpt in message bodies
const descriptionLimit = 300

// RenderPolicy selects which listing fields channels show, in order
type RenderPolicy struct {
	fields []Field
}

// NewRenderPolicy builds a policy from configured field names
func NewRenderPolicy(names []string) (RenderPolicy, error) {
	if len(names) == 0 {
		return RenderPolicy{fields: DefaultFields}, nil
	}

	seen := make(map[Field]bool, len(names))
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f := Field(strings.ToLower(strings.TrimSpace(name)))
		if !knownFields[f] {
			return RenderPolicy{}, fmt.Errorf("unknown notification field %q", name)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		fields = append(fields, f)
	}
	return RenderPolicy{fields: fields}, nil
}

// Shows reports whether the policy includes f
func (p RenderPolicy) Shows(f Field) bool {
	for _, field := range p.fieldList() {
		if field == f {
			return true
		}
	}
	return false
}

func (p RenderPolicy) fieldList() []Field {
	if p.fields == nil {
		return DefaultFields
	}
	return p.fields
}

// Message is a listing rendered for a text channel
type Message struct {
	Title    string
	Lines    []string
	URL      string
	ImageURL string
}

// Body joins the message lines
func (m Message) Body() string {
	return strings.Join(m.Lines, "\n")
}

// Render turns a listing into a message according to the policy. Unknown
// values are skipped rather than printed as placeholders.
func Render(listing models.Listing, policy RenderPolicy) Message {
	msg := Message{Title: Headline(listing)}

	for _, f := range policy.fieldList() {
		switch f {
		case FieldTitle:
			if listing.Title != "" {
				msg.Lines = append(msg.Lines, listing.Title)
			}
		case FieldPrice:
			if listing.Price != nil {
				msg.Lines = append(msg.Lines, "Price: "+FormatPrice(*listing.Price)+"/month")
			}
		case FieldBedrooms:
			if listing.Bedrooms != nil {
				msg.Lines = append(msg.Lines, "Beds: "+formatBedrooms(*listing.Bedrooms))
			}
		case FieldBathrooms:
			if listing.Bathrooms != nil {
				msg.Lines = append(msg.Lines, "Baths: "+strconv.Itoa(*listing.Bathrooms))
			}
		case FieldLocation:
			if listing.Location != "" {
				msg.Lines = append(msg.Lines, "Area: "+listing.Location)
			}
		case FieldType:
			if listing.PropertyType != "" {
				msg.Lines = append(msg.Lines, "Type: "+listing.PropertyType)
			}
		case FieldSource:
			msg.Lines = append(msg.Lines, "Source: "+listing.SourceID)
		case FieldPosted:
			if listing.PostedAt != nil {
				msg.Lines = append(msg.Lines, "Posted: "+listing.PostedAt.Format("2 Jan 2006 15:04"))
			}
		case FieldDescription:
			if listing.Description != "" {
				msg.Lines = append(msg.Lines, truncate(listing.Description, descriptionLimit))
			}
		case FieldImage:
			msg.ImageURL = listing.ImageURL
		case FieldURL:
			msg.URL = listing.URL
		}
	}
	return msg
}

// Headline is the short "€1500/mo - 2 bed" summary used as a title
func Headline(listing models.Listing) string {
	price := "€?"
	if listing.Price != nil {
		price = FormatPrice(*listing.Price)
	}
	beds := "? bed"
	if listing.Bedrooms != nil {
		beds = formatBedrooms(*listing.Bedrooms)
	}
	return price + "/mo - " + beds
}

// FormatPrice renders a monthly price in whole euro
func FormatPrice(price float64) string {
	return "€" + strconv.FormatFloat(price, 'f', 0, 64)
}

func formatBedrooms(n int) string {
	if n == 0 {
		return "studio"
	}
	return strconv.Itoa(n) + " bed"
}

func truncate(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	return strings.TrimSpace(string(r[:limit])) + "…"
}
