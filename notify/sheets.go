package notify

import (
	"context"

	"rental-hunter/models"
)

type sheetWriter interface {
	AppendListing(ctx context.Context, listing models.Listing) error
	EnsureSheet(ctx context.Context) error
}

// Sheets appends every notified listing as a spreadsheet row. The row
// layout is fixed, so the render policy does not apply.
type Sheets struct {
	writer sheetWriter
}

// NewSheets wraps a sheets.Writer
func NewSheets(writer sheetWriter) *Sheets {
	return &Sheets{writer: writer}
}

func (s *Sheets) Name() string { return "sheets" }

func (s *Sheets) Send(ctx context.Context, listing models.Listing, _ RenderPolicy) error {
	return s.writer.AppendListing(ctx, listing)
}

// Test makes sure the target tab exists
func (s *Sheets) Test(ctx context.Context) error {
	return s.writer.EnsureSheet(ctx)
}
