package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"rental-hunter/config"
	"rental-hunter/fetcher"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/parser"
	"rental-hunter/source"
)

const daftBaseURL = "https://www.daft.ie"

// ErrUnrecognizedPage means neither the embedded search data nor any known
// card layout was found.
var ErrUnrecognizedPage = errors.New("page structure not recognized")

// Daft reads daft.ie search results. The search page embeds its results as
// Next.js JSON; when that is missing the HTML cards are parsed instead.
type Daft struct {
	name     string
	baseURL  string
	maxPages int
	params   map[string]string
	fetcher  fetcher.Fetcher
}

// NewDaft creates the daft.ie adapter
func NewDaft(cfg config.SourceConfig, f fetcher.Fetcher) *Daft {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = daftBaseURL
	}
	return &Daft{
		name:     cfg.Name,
		baseURL:  base,
		maxPages: cfg.MaxPages,
		params:   cfg.Params,
		fetcher:  f,
	}
}

func (d *Daft) Name() string { return d.name }

// FetchCandidates walks the result pages until one comes back empty or
// max pages is reached. Failures after the first page end the walk early
// and keep what was collected.
func (d *Daft) FetchCandidates(ctx context.Context) (source.Batch, error) {
	log := logger.FromContext(ctx)
	var batch source.Batch

	for page := 1; page <= d.maxPages; page++ {
		body, err := d.fetcher.Fetch(ctx, d.searchURL(page))
		if err != nil {
			if page == 1 {
				return source.Batch{}, err
			}
			log.Warn("stopping pagination after fetch error", logger.Fields{"page": page, "error": err.Error()})
			break
		}

		listings, skipped, err := d.parsePage(body)
		if err != nil {
			if page == 1 {
				return source.Batch{}, source.Permanent(d.name, err)
			}
			log.Warn("stopping pagination after parse error", logger.Fields{"page": page, "error": err.Error()})
			break
		}

		batch.Listings = append(batch.Listings, listings...)
		batch.Skipped += skipped
		if len(listings) == 0 {
			break
		}
	}

	return batch, nil
}

func (d *Daft) searchURL(page int) string {
	q := url.Values{}
	keys := make([]string, 0, len(d.params))
	for k := range d.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, d.params[k])
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}

	u := d.baseURL + "/property-for-rent/dublin"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func (d *Daft) parsePage(body []byte) ([]models.Listing, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse HTML: %w", err)
	}

	if raw := doc.Find("script#__NEXT_DATA__").First().Text(); strings.TrimSpace(raw) != "" {
		listings, skipped, found, err := d.parseNextData([]byte(raw))
		if err == nil && found {
			return listings, skipped, nil
		}
	}

	return parseCards(doc, d.baseURL, daftCards)
}

type nextData struct {
	Props struct {
		PageProps struct {
			Listings      []json.RawMessage `json:"listings"`
			Results       []json.RawMessage `json:"results"`
			SearchResults struct {
				Listings []json.RawMessage `json:"listings"`
			} `json:"searchResults"`
		} `json:"pageProps"`
	} `json:"props"`
}

// parseNextData reports found=false when none of the known result arrays
// is present; an empty array is a legitimate empty result page.
func (d *Daft) parseNextData(raw []byte) (listings []models.Listing, skipped int, found bool, err error) {
	var data nextData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, 0, false, fmt.Errorf("failed to decode __NEXT_DATA__: %w", err)
	}

	pp := data.Props.PageProps
	found = pp.Listings != nil || pp.Results != nil || pp.SearchResults.Listings != nil
	items := pp.Listings
	if len(items) == 0 {
		items = pp.Results
	}
	if len(items) == 0 {
		items = pp.SearchResults.Listings
	}

	for _, item := range items {
		l, ok := d.parseJSONListing(item)
		if !ok {
			skipped++
			continue
		}
		listings = append(listings, l)
	}
	return listings, skipped, found, nil
}

func (d *Daft) parseJSONListing(raw json.RawMessage) (models.Listing, bool) {
	var item map[string]any
	if err := json.Unmarshal(raw, &item); err != nil {
		return models.Listing{}, false
	}
	// Results may be wrapped as {"listing": {...}}
	if inner, ok := item["listing"].(map[string]any); ok {
		item = inner
	}

	id := firstString(item, "id", "listingId")
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return models.Listing{}, false
	}

	title := firstString(item, "title", "seoTitle")
	l := models.Listing{
		ExternalID:   id,
		Title:        title,
		Location:     parser.ExtractArea(title),
		Address:      title,
		PropertyType: strings.ToLower(firstString(item, "propertyType")),
		Description:  firstString(item, "description"),
	}

	l.Price = jsonPrice(item)
	if seller, ok := item["seller"].(map[string]any); ok {
		l.ContactEmail = firstString(seller, "email")
	}

	switch beds := item["numBedrooms"].(type) {
	case float64:
		n := int(beds)
		l.Bedrooms = &n
	case string:
		l.Bedrooms = parser.ParseBedrooms(beds)
	}
	switch baths := item["numBathrooms"].(type) {
	case float64:
		n := int(baths)
		l.Bathrooms = &n
	case string:
		l.Bathrooms = parser.ParseBathrooms(baths)
	}

	path := firstString(item, "seoFriendlyPath")
	if path == "" {
		shortcode := firstString(item, "daftShortcode")
		if shortcode == "" {
			shortcode = id
		}
		path = "/for-rent/property-to-rent/" + shortcode
	}
	l.URL = parser.AbsoluteURL(d.baseURL, path)

	if media, ok := item["media"].(map[string]any); ok {
		if images, ok := media["images"].([]any); ok && len(images) > 0 {
			if img, ok := images[0].(map[string]any); ok {
				l.ImageURL = firstString(img, "size720x480", "size600x600", "size400x300", "url")
			}
		}
	}

	// publishDate is epoch milliseconds
	if ms, ok := item["publishDate"].(float64); ok && ms > 0 {
		t := time.UnixMilli(int64(ms)).UTC()
		l.PostedAt = &t
	}

	return l, true
}

// jsonPrice handles numbers, {"amount": n} objects and display strings
// such as "From €250 per week".
func jsonPrice(item map[string]any) *float64 {
	for _, key := range []string{"price", "monthlyPrice"} {
		switch v := item[key].(type) {
		case float64:
			if v > 0 {
				return &v
			}
		case map[string]any:
			if amount, ok := v["amount"].(float64); ok && amount > 0 {
				return &amount
			}
		case string:
			if p := parser.ParsePrice(v); p != nil {
				return p
			}
		}
	}
	return nil
}

var daftCards = cardLayout{
	selectors: []string{
		"[data-testid='results'] li",
		".SearchPage__Result",
		"[data-testid='listing-card']",
		".PropertyCardContainer",
		"li[data-testid]",
	},
	linkMarkers: []string{"/for-rent/", "/property-for-rent/"},
	empty:       "[data-testid='no-results'], .NoResults",
}

// firstString returns the first non-empty value among keys, formatting
// numbers without a decimal point.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
