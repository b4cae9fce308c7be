package scraper

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"rental-hunter/models"
	"rental-hunter/parser"
)

// cardLayout describes the result cards of an HTML search page
type cardLayout struct {
	selectors   []string // tried in order, first match wins
	linkMarkers []string // listing links contain one of these
	empty       string   // marker shown when a search has no results
}

// parseCards extracts listings from result cards. A page where no card
// selector and no empty-result marker matches is unrecognized.
func parseCards(doc *goquery.Document, baseURL string, layout cardLayout) ([]models.Listing, int, error) {
	var cards *goquery.Selection
	for _, sel := range layout.selectors {
		if found := doc.Find(sel); found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		if layout.empty != "" && doc.Find(layout.empty).Length() > 0 {
			return nil, 0, nil
		}
		return nil, 0, ErrUnrecognizedPage
	}

	var (
		listings []models.Listing
		skipped  int
	)
	cards.Each(func(_ int, card *goquery.Selection) {
		l, ok := parseCard(card, baseURL, layout.linkMarkers)
		if !ok {
			skipped++
			return
		}
		listings = append(listings, l)
	})
	return listings, skipped, nil
}

func parseCard(card *goquery.Selection, baseURL string, markers []string) (models.Listing, bool) {
	anchor := card.Find("a[href]").First()
	href, ok := anchor.Attr("href")
	if !ok {
		return models.Listing{}, false
	}
	link := parser.AbsoluteURL(baseURL, href)
	if !containsAny(link, markers) {
		return models.Listing{}, false
	}

	id := parser.IDFromURL(link)
	if id == "" {
		return models.Listing{}, false
	}

	title := strings.TrimSpace(card.Find("h2, h3").First().Text())
	if title == "" {
		title = strings.TrimSpace(anchor.Text())
	}

	text := spacedText(card)
	priceText := card.Find("[data-testid*='price'], [class*='price'], [class*='Price']").First().Text()
	if priceText == "" {
		priceText = text
	}

	l := models.Listing{
		ExternalID:   id,
		Title:        title,
		URL:          link,
		Location:     parser.ExtractArea(title),
		Address:      title,
		Price:        parser.ParsePrice(priceText),
		Bedrooms:     parser.ParseBedrooms(text),
		Bathrooms:    parser.ParseBathrooms(text),
		PropertyType: parser.PropertyType(text),
	}

	if img := card.Find("img").First(); img.Length() > 0 {
		src := img.AttrOr("src", "")
		if src == "" {
			src = img.AttrOr("data-src", "")
		}
		l.ImageURL = parser.AbsoluteURL(baseURL, src)
	}
	if href, ok := card.Find("a[href^='mailto:']").First().Attr("href"); ok {
		l.ContactEmail = mailtoAddress(href)
	}

	return l, true
}

// mailtoAddress returns the address of a mailto: link without its query
func mailtoAddress(href string) string {
	addr, _, _ := strings.Cut(strings.TrimPrefix(href, "mailto:"), "?")
	if unescaped, err := url.PathUnescape(addr); err == nil {
		addr = unescaped
	}
	return strings.TrimSpace(addr)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// spacedText joins the text nodes under sel with spaces, so adjacent
// elements like <span>3 Bed</span><span>2 Bath</span> stay separate words.
func spacedText(sel *goquery.Selection) string {
	var parts []string
	sel.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			parts = append(parts, c.Text())
			return
		}
		parts = append(parts, spacedText(c))
	})
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
