// Package scraper contains the site adapters for daft.ie, rent.ie and
// myhome.ie.
package scraper

import (
	"fmt"
	"net/url"
	"time"

	"rental-hunter/config"
	"rental-hunter/fetcher"
	"rental-hunter/source"
)

// Source kinds understood by Register
const (
	KindDaft   = "daft"
	KindRentIe = "rent_ie"
	KindMyHome = "myhome"
)

const httpTimeout = 30 * time.Second

// Fetchers hands page fetchers to the adapter factories. Browser is only
// called for sources that need rendering and may be nil when no such
// source is configured.
type Fetchers struct {
	HTTP    func(cfg config.SourceConfig) (fetcher.Fetcher, error)
	Browser func() (fetcher.Fetcher, error)
}

// DefaultHTTP builds a rate limited colly fetcher for one source
func DefaultHTTP(cfg config.SourceConfig) (fetcher.Fetcher, error) {
	domain := "*"
	if u, err := url.Parse(cfg.BaseURL); err == nil && u.Host != "" {
		domain = "*" + u.Hostname()
	}
	return fetcher.NewCollyFetcher(fetcher.CollyOptions{
		Source:  cfg.Name,
		Domain:  domain,
		Delay:   cfg.RateLimit.D(),
		Timeout: httpTimeout,
	})
}

func (f Fetchers) forSource(cfg config.SourceConfig, render bool) (fetcher.Fetcher, error) {
	if render {
		if f.Browser == nil {
			return nil, fmt.Errorf("source needs a headless browser but none is available")
		}
		return f.Browser()
	}
	httpFn := f.HTTP
	if httpFn == nil {
		httpFn = DefaultHTTP
	}
	return httpFn(cfg)
}

// Register adds the built-in adapters to reg
func Register(reg *source.Registry, f Fetchers) {
	reg.Register(KindDaft, func(cfg config.SourceConfig) (source.Adapter, error) {
		fe, err := f.forSource(cfg, cfg.Render)
		if err != nil {
			return nil, err
		}
		return NewDaft(cfg, fe), nil
	})
	reg.Register(KindRentIe, func(cfg config.SourceConfig) (source.Adapter, error) {
		fe, err := f.forSource(cfg, cfg.Render)
		if err != nil {
			return nil, err
		}
		return NewRentIe(cfg, fe), nil
	})
	// myhome renders client side
	reg.Register(KindMyHome, func(cfg config.SourceConfig) (source.Adapter, error) {
		fe, err := f.forSource(cfg, true)
		if err != nil {
			return nil, err
		}
		return NewMyHome(cfg, fe), nil
	})
}

// NeedsBrowser reports whether any enabled source requires rendering
func NeedsBrowser(sources []config.SourceConfig) bool {
	for _, s := range sources {
		if s.IsEnabled() && (s.Render || s.Kind == KindMyHome) {
			return true
		}
	}
	return false
}
