package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"rental-hunter/logger"
	"rental-hunter/source"
)

// CollyFetcher implements the Fetcher interface using colly
type CollyFetcher struct {
	// parent collector, clones share its limits and cookie jar
	collector *colly.Collector
	source    string
}

// CollyOptions configures a CollyFetcher
type CollyOptions struct {
	Source  string
	Domain  string // host the rate limit applies to, "*" for any
	Delay   time.Duration
	Timeout time.Duration
}

// NewCollyFetcher creates a new CollyFetcher instance
func NewCollyFetcher(opts CollyOptions) (*CollyFetcher, error) {
	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if opts.Timeout > 0 {
		c.SetRequestTimeout(opts.Timeout)
	}

	domain := opts.Domain
	if domain == "" {
		domain = "*"
	}
	err := c.Limit(&colly.LimitRule{
		DomainGlob:  domain,
		Parallelism: 1,
		RandomDelay: opts.Delay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set limit rule: %w", err)
	}

	return &CollyFetcher{
		collector: c,
		source:    opts.Source,
	}, nil
}

// Fetch implements the Fetcher interface
func (cf *CollyFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, source.Permanent(cf.source, fmt.Errorf("invalid URL %q: %w", rawURL, err))
	}

	c := cf.collector.Clone()
	c.Context = ctx
	extensions.RandomUserAgent(c)
	extensions.Referer(c)

	log := logger.FromContext(ctx)

	var (
		body   []byte
		status int
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
		log.Debug("fetched page", logger.Fields{"url": rawURL, "status": r.StatusCode, "bytes": len(r.Body)})
	})

	if err := c.Visit(rawURL); err != nil {
		return nil, source.Transient(cf.source, fmt.Errorf("failed to visit %s: %w", rawURL, err))
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, source.Transient(cf.source, err)
	}
	if err := source.ClassifyStatus(cf.source, status); err != nil {
		return nil, err
	}
	if status == 0 {
		return nil, source.Transient(cf.source, fmt.Errorf("no response from %s", rawURL))
	}
	return body, nil
}
