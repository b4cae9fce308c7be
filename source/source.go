// Package source defines the contract every listing site adapter fulfils
// and the core normalization applied to what adapters return.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"rental-hunter/config"
	"rental-hunter/models"
)

// Adapter fetches the current candidate listings of one site.
// Adapters keep no state between calls.
type Adapter interface {
	Name() string
	FetchCandidates(ctx context.Context) (Batch, error)
}

// Batch is the result of one fetch. Skipped counts records that could not
// be parsed into a listing.
type Batch struct {
	Listings []models.Listing
	Skipped  int
}

// TransientError is a failure worth retrying: network trouble, timeouts,
// rate limiting or server errors.
type TransientError struct {
	Source string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient fetch error: %v", e.Source, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError means the source cannot be read until something changes:
// the page structure is unrecognized or access is denied.
type PermanentError struct {
	Source string
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent fetch error: %v", e.Source, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(source string, err error) error {
	return &TransientError{Source: source, Err: err}
}

// Permanent wraps err as a PermanentError
func Permanent(source string, err error) error {
	return &PermanentError{Source: source, Err: err}
}

// IsPermanent reports whether err should stop retries for this cycle.
// Anything not explicitly permanent is treated as transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// ErrUnexpectedStatus is wrapped by ClassifyStatus
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// ClassifyStatus maps an HTTP status code to a typed fetch error.
// It returns nil for 2xx and 3xx.
func ClassifyStatus(source string, status int) error {
	if status < 400 {
		return nil
	}
	err := fmt.Errorf("%w %d", ErrUnexpectedStatus, status)
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return Transient(source, err)
	}
	return Permanent(source, err)
}

// Factory builds an adapter from its configuration
type Factory func(cfg config.SourceConfig) (Adapter, error)

// Registry maps a source kind to the factory that builds it
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind, replacing any previous one
func (r *Registry) Register(kind string, f Factory) {
	r.factories[strings.ToLower(kind)] = f
}

// Kinds returns the registered kinds, sorted
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build creates the adapter for one configured source
func (r *Registry) Build(cfg config.SourceConfig) (Adapter, error) {
	f, ok := r.factories[strings.ToLower(cfg.Kind)]
	if !ok {
		return nil, fmt.Errorf("source %q: unknown kind %q (known: %s)", cfg.Name, cfg.Kind, strings.Join(r.Kinds(), ", "))
	}
	a, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", cfg.Name, err)
	}
	return a, nil
}

// Normalize stamps sourceID and the fetch time on every listing, trims
// text fields and discards what the core cannot use. Listings without an
// external ID are dropped and counted as skipped; negative prices and
// bedroom counts become unknown. Duplicate IDs within one batch keep the
// first occurrence.
func Normalize(sourceID string, batch Batch, now time.Time) Batch {
	out := Batch{
		Listings: make([]models.Listing, 0, len(batch.Listings)),
		Skipped:  batch.Skipped,
	}
	seen := make(map[string]bool, len(batch.Listings))

	for _, l := range batch.Listings {
		l.ExternalID = strings.TrimSpace(l.ExternalID)
		if l.ExternalID == "" {
			out.Skipped++
			continue
		}
		if seen[l.ExternalID] {
			continue
		}
		seen[l.ExternalID] = true

		l.SourceID = sourceID
		l.FetchedAt = now
		l.Title = strings.TrimSpace(l.Title)
		l.URL = strings.TrimSpace(l.URL)
		l.Location = strings.TrimSpace(l.Location)
		l.Address = strings.TrimSpace(l.Address)
		l.ContactEmail = strings.TrimSpace(l.ContactEmail)
		l.PropertyType = strings.TrimSpace(l.PropertyType)
		l.Description = strings.TrimSpace(l.Description)

		if l.Price != nil && *l.Price < 0 {
			l.Price = nil
		}
		if l.Bedrooms != nil && *l.Bedrooms < 0 {
			l.Bedrooms = nil
		}
		if l.Bathrooms != nil && *l.Bathrooms < 0 {
			l.Bathrooms = nil
		}

		out.Listings = append(out.Listings, l)
	}
	return out
}
