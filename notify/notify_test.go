package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"rental-hunter/models"
)

type fakeChannel struct {
	name  string
	err   error
	delay time.Duration
	calls atomic.Int32
	tests atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, _ models.Listing, _ RenderPolicy) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeChannel) Test(ctx context.Context) error {
	f.tests.Add(1)
	return f.err
}

func testListing() models.Listing {
	return models.Listing{
		SourceID:     "daft",
		ExternalID:   "5123456",
		Title:        "2 Bed Apartment, Rialto, Dublin 8",
		URL:          "https://www.daft.ie/for-rent/apartment-rialto/5123456",
		Location:     "Dublin 8",
		Price:        models.FloatPtr(1500),
		Bedrooms:     models.IntPtr(2),
		PropertyType: "apartment",
		FetchedAt:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDispatcherNotify(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name          string
		channels      []*fakeChannel
		wantErr       bool
		wantDelivered []string
	}{
		{
			name:          "all succeed",
			channels:      []*fakeChannel{{name: "telegram"}, {name: "ntfy"}},
			wantDelivered: []string{"ntfy", "telegram"},
		},
		{
			name:          "one of two fails",
			channels:      []*fakeChannel{{name: "telegram", err: boom}, {name: "ntfy"}},
			wantDelivered: []string{"ntfy"},
		},
		{
			name:     "all fail",
			channels: []*fakeChannel{{name: "telegram", err: boom}, {name: "ntfy", err: boom}},
			wantErr:  true,
		},
		{
			name:    "no channels",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			channels := make([]Channel, len(tt.channels))
			for i, ch := range tt.channels {
				channels[i] = ch
			}
			d := NewDispatcher(channels, RenderPolicy{}, time.Second, nil)

			result, err := d.Notify(context.Background(), testListing())
			if tt.wantErr {
				if !errors.Is(err, ErrAllChannelsFailed) {
					t.Fatalf("err = %v, want ErrAllChannelsFailed", err)
				}
			} else if err != nil {
				t.Fatalf("Notify: %v", err)
			}

			if strings.Join(result.Delivered, ",") != strings.Join(tt.wantDelivered, ",") {
				t.Errorf("delivered = %v, want %v", result.Delivered, tt.wantDelivered)
			}
			for _, ch := range tt.channels {
				if ch.calls.Load() != 1 {
					t.Errorf("%s called %d times, want 1", ch.name, ch.calls.Load())
				}
			}
		})
	}
}

func TestDispatcherFailedErrorsAreWrapped(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher([]Channel{&fakeChannel{name: "email", err: boom}}, RenderPolicy{}, time.Second, nil)

	result, err := d.Notify(context.Background(), testListing())
	if !errors.Is(err, boom) {
		t.Errorf("expected channel error in chain, got %v", err)
	}
	if !errors.Is(result.Failed["email"], boom) {
		t.Errorf("failed map: %v", result.Failed)
	}
}

func TestDispatcherChannelsRunConcurrently(t *testing.T) {
	slow := []Channel{
		&fakeChannel{name: "a", delay: 100 * time.Millisecond},
		&fakeChannel{name: "b", delay: 100 * time.Millisecond},
		&fakeChannel{name: "c", delay: 100 * time.Millisecond},
	}
	d := NewDispatcher(slow, RenderPolicy{}, time.Second, nil)

	start := time.Now()
	if _, err := d.Notify(context.Background(), testListing()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("channels look sequential: took %v", elapsed)
	}
}

func TestDispatcherPerChannelTimeout(t *testing.T) {
	hung := &fakeChannel{name: "hung", delay: time.Minute}
	fast := &fakeChannel{name: "fast"}
	d := NewDispatcher([]Channel{hung, fast}, RenderPolicy{}, 50*time.Millisecond, nil)

	result, err := d.Notify(context.Background(), testListing())
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !errors.Is(result.Failed["hung"], context.DeadlineExceeded) {
		t.Errorf("hung channel error = %v, want deadline exceeded", result.Failed["hung"])
	}
}

func TestDispatcherTest(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b", err: errors.New("down")}
	d := NewDispatcher([]Channel{a, b}, RenderPolicy{}, time.Second, nil)

	result, err := d.Test(context.Background())
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if a.tests.Load() != 1 || b.tests.Load() != 1 {
		t.Error("every channel should receive a test message")
	}
	if len(result.Failed) != 1 {
		t.Errorf("failed: %v", result.Failed)
	}
	if got := d.Channels(); len(got) != 2 {
		t.Errorf("Channels() = %v", got)
	}
}
