package scraper

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"rental-hunter/config"
	"rental-hunter/fetcher"
	"rental-hunter/logger"
	"rental-hunter/models"
	"rental-hunter/parser"
	"rental-hunter/source"
)

const rentIeBaseURL = "https://www.rent.ie"

var rentIeAreaRe = regexp.MustCompile(`(?i)(dublin\s*\d{1,2}w?|dublin\s+city\s+centre)`)

// RentIe reads the rent.ie RSS feeds, one per configured area plus the
// general Dublin feed.
type RentIe struct {
	name         string
	baseURL      string
	areas        []string
	includeRooms bool
	fetcher      fetcher.Fetcher
}

// NewRentIe creates the rent.ie adapter. Set params.include_rooms to
// "true" to also poll the rooms-to-rent feeds.
func NewRentIe(cfg config.SourceConfig, f fetcher.Fetcher) *RentIe {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = rentIeBaseURL
	}
	includeRooms, _ := strconv.ParseBool(cfg.Params["include_rooms"])
	return &RentIe{
		name:         cfg.Name,
		baseURL:      base,
		areas:        cfg.Areas,
		includeRooms: includeRooms,
		fetcher:      f,
	}
}

func (r *RentIe) Name() string { return r.name }

// feedURLs returns the feeds to poll in a stable order
func (r *RentIe) feedURLs() []string {
	set := map[string]bool{
		r.baseURL + "/rss/houses-to-let/dublin/": true,
	}
	for _, area := range r.areas {
		slug := parser.AreaSlug(area)
		if slug == "" {
			continue
		}
		set[fmt.Sprintf("%s/rss/houses-to-let/dublin/%s/", r.baseURL, slug)] = true
		if r.includeRooms {
			set[fmt.Sprintf("%s/rss/rooms-to-rent/dublin/%s/", r.baseURL, slug)] = true
		}
	}

	urls := make([]string, 0, len(set))
	for u := range set {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// FetchCandidates polls every feed. A failing feed is logged and skipped;
// the cycle only fails when every feed failed.
func (r *RentIe) FetchCandidates(ctx context.Context) (source.Batch, error) {
	log := logger.FromContext(ctx)

	var (
		batch source.Batch
		seen  = make(map[string]bool)
		errs  []error
		urls  = r.feedURLs()
	)

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return source.Batch{}, source.Transient(r.name, err)
		}

		listings, skipped, err := r.fetchFeed(ctx, u)
		if err != nil {
			log.Warn("feed failed", logger.Fields{"feed": u, "error": err.Error()})
			errs = append(errs, err)
			continue
		}

		batch.Skipped += skipped
		for _, l := range listings {
			if seen[l.ExternalID] {
				continue
			}
			seen[l.ExternalID] = true
			batch.Listings = append(batch.Listings, l)
		}
	}

	if len(errs) == len(urls) {
		// Transient wins so the scheduler retries when any feed might recover
		for _, err := range errs {
			if !source.IsPermanent(err) {
				return source.Batch{}, err
			}
		}
		return source.Batch{}, errs[0]
	}
	return batch, nil
}

func (r *RentIe) fetchFeed(ctx context.Context, feedURL string) ([]models.Listing, int, error) {
	body, err := r.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return nil, 0, err
	}

	// A body that is not a feed means the URL or the site changed
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, 0, source.Permanent(r.name, fmt.Errorf("failed to parse feed %s: %w", feedURL, err))
	}

	var (
		listings []models.Listing
		skipped  int
	)
	for _, item := range feed.Items {
		l, ok := r.parseItem(item)
		if !ok {
			skipped++
			continue
		}
		listings = append(listings, l)
	}
	return listings, skipped, nil
}

func (r *RentIe) parseItem(item *gofeed.Item) (models.Listing, bool) {
	if item == nil || item.Link == "" {
		return models.Listing{}, false
	}

	id := itemID(item)
	if id == "" {
		return models.Listing{}, false
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}
	text := item.Title + " " + parser.CleanHTML(summary)

	l := models.Listing{
		ExternalID:   id,
		Title:        item.Title,
		URL:          item.Link,
		Location:     r.itemArea(item),
		Address:      item.Title,
		Price:        parser.ParsePrice(text),
		Bedrooms:     parser.ParseBedrooms(text),
		Bathrooms:    parser.ParseBathrooms(text),
		PropertyType: parser.PropertyType(text),
		Description:  parser.CleanHTML(summary),
		ImageURL:     itemImage(item),
	}

	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		l.PostedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		l.PostedAt = &t
	}

	return l, true
}

// itemID prefers the GUID; URL-shaped GUIDs are reduced like links
func itemID(item *gofeed.Item) string {
	guid := strings.TrimSpace(item.GUID)
	if guid != "" && !strings.HasPrefix(guid, "http") {
		return guid
	}
	if guid != "" {
		return parser.IDFromURL(guid)
	}
	return parser.IDFromURL(item.Link)
}

func (r *RentIe) itemArea(item *gofeed.Item) string {
	for _, c := range item.Categories {
		if strings.Contains(strings.ToLower(c), "dublin") {
			return strings.TrimSpace(c)
		}
	}
	if m := rentIeAreaRe.FindString(item.Title); m != "" {
		if area := parser.ExtractArea(m); area != "" {
			return area
		}
		return "Dublin City Centre"
	}
	return parser.ExtractArea(item.Title)
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	for _, fragment := range []string{item.Content, item.Description} {
		if src := parser.FirstImage(fragment); src != "" {
			return src
		}
	}
	return ""
}
