package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rental-hunter/config"
	"rental-hunter/fetcher"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/source"
)

const myHomeBaseURL = "https://www.myhome.ie"

var myHomeCards = cardLayout{
	selectors: []string{
		"[data-testid='property-card']",
		".property-card",
		".PropertyListingCard",
		".card-wrapper",
	},
	linkMarkers: []string{"/rentals/brochure/"},
	empty:       ".no-results, [data-testid='no-results']",
}

// MyHome reads myhome.ie rental search results. The site renders its
// results client side, so it is normally paired with the rod fetcher.
type MyHome struct {
	name     string
	baseURL  string
	maxPages int
	fetcher  fetcher.Fetcher
}

// NewMyHome creates the myhome.ie adapter
func NewMyHome(cfg config.SourceConfig, f fetcher.Fetcher) *MyHome {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = myHomeBaseURL
	}
	return &MyHome{
		name:     cfg.Name,
		baseURL:  base,
		maxPages: cfg.MaxPages,
		fetcher:  f,
	}
}

func (m *MyHome) Name() string { return m.name }

func (m *MyHome) FetchCandidates(ctx context.Context) (source.Batch, error) {
	log := logger.FromContext(ctx)
	var batch source.Batch

	for page := 1; page <= m.maxPages; page++ {
		body, err := m.fetcher.Fetch(ctx, m.searchURL(page))
		if err != nil {
			if page == 1 {
				return source.Batch{}, err
			}
			log.Warn("stopping pagination after fetch error", logger.Fields{"page": page, "error": err.Error()})
			break
		}

		listings, skipped, err := m.parsePage(body)
		if err != nil {
			if page == 1 {
				return source.Batch{}, source.Permanent(m.name, err)
			}
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

func (m *MyHome) searchURL(page int) string {
	u := m.baseURL + "/rentals/dublin/property-to-rent"
	if page > 1 {
		u += "?" + url.Values{"page": {strconv.Itoa(page)}}.Encode()
	}
	return u
}

func (m *MyHome) parsePage(body []byte) ([]models.Listing, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return parseCards(doc, m.baseURL, myHomeCards)
}
