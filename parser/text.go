package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var numericIDRe = regexp.MustCompile(`/(\d+)/?(?:[?#]|$)`)

// IDFromURL extracts a listing ID from its URL: the trailing numeric path
// segment when present, otherwise the last path segment.
func IDFromURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	if m := numericIDRe.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}

	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	parts := strings.Split(strings.TrimRight(path, "/"), "/")
	return parts[len(parts)-1]
}

// CleanHTML strips tags and entities from a fragment and collapses whitespace
func CleanHTML(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return normalizeWhitespace(fragment)
	}
	return normalizeWhitespace(doc.Text())
}

// FirstImage returns the src of the first <img> in a fragment
func FirstImage(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return src
}

// AbsoluteURL resolves href against base
func AbsoluteURL(base, href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.IsAbs() {
		return href
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	return b.ResolveReference(u).String()
}
