package fetcher

import "context"

// Fetcher retrieves the raw body of one page. Errors are classified as
// *source.TransientError or *source.PermanentError where the cause is known.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
