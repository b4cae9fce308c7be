package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"rental-hunter/config"
	"rental-hunter/models"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }
func (s stubAdapter) FetchCandidates(context.Context) (Batch, error) {
	return Batch{}, nil
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantNil   bool
		permanent bool
	}{
		{200, true, false},
		{301, true, false},
		{404, false, true},
		{403, false, true},
		{401, false, true},
		{429, false, false},
		{408, false, false},
		{500, false, false},
		{503, false, false},
	}

	for _, tt := range tests {
		err := ClassifyStatus("daft", tt.status)
		if tt.wantNil {
			if err != nil {
				t.Errorf("status %d: expected nil, got %v", tt.status, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if IsPermanent(err) != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, IsPermanent(err), tt.permanent)
		}
		if !errors.Is(err, ErrUnexpectedStatus) {
			t.Errorf("status %d: error does not wrap ErrUnexpectedStatus", tt.status)
		}
	}
}

func TestIsPermanentUnclassified(t *testing.T) {
	if IsPermanent(errors.New("connection reset")) {
		t.Error("unclassified errors must be treated as transient")
	}

	var te *TransientError
	wrapped := Transient("rent_ie", context.DeadlineExceeded)
	if !errors.As(wrapped, &te) || !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Error("transient error should unwrap to its cause")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("Daft", func(cfg config.SourceConfig) (Adapter, error) {
		return stubAdapter{name: cfg.Name}, nil
	})
	r.Register("broken", func(config.SourceConfig) (Adapter, error) {
		return nil, errors.New("missing base url")
	})

	a, err := r.Build(config.SourceConfig{Name: "daft-dublin", Kind: "daft"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if a.Name() != "daft-dublin" {
		t.Errorf("name: got %q", a.Name())
	}

	if _, err := r.Build(config.SourceConfig{Name: "x", Kind: "zillow"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := r.Build(config.SourceConfig{Name: "y", Kind: "broken"}); err == nil {
		t.Error("expected factory error to propagate")
	}

	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != "broken" || kinds[1] != "daft" {
		t.Errorf("kinds: got %v", kinds)
	}
}

func TestNormalize(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	batch := Batch{
		Skipped: 1,
		Listings: []models.Listing{
			{ExternalID: " 123 ", Title: "  Flat  ", Price: models.FloatPtr(-5), Bedrooms: models.IntPtr(2)},
			{ExternalID: ""},
			{ExternalID: "123", Title: "duplicate"},
			{ExternalID: "456", Bedrooms: models.IntPtr(-1), Location: " Dublin 8 "},
		},
	}

	got := Normalize("daft", batch, now)

	if got.Skipped != 2 {
		t.Errorf("skipped: got %d, want 2", got.Skipped)
	}
	if len(got.Listings) != 2 {
		t.Fatalf("listings: got %d, want 2", len(got.Listings))
	}

	first := got.Listings[0]
	if first.ExternalID != "123" || first.Title != "Flat" {
		t.Errorf("trim failed: %+v", first)
	}
	if first.Price != nil {
		t.Error("negative price should become nil")
	}
	if first.SourceID != "daft" || !first.FetchedAt.Equal(now) {
		t.Errorf("stamping failed: %+v", first)
	}
	if first.Identity() != (models.Identity{SourceID: "daft", ExternalID: "123"}) {
		t.Errorf("identity: got %v", first.Identity())
	}

	second := got.Listings[1]
	if second.Bedrooms != nil || second.Location != "Dublin 8" {
		t.Errorf("second listing: %+v", second)
	}
}
