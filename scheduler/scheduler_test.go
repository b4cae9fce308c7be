package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"rental-hunter/config"
	"rental-hunter/filter"
	"rental-hunter/models"
	"rental-hunter/source"
)

type harness struct {
	store    *memStore
	notifier *fakeNotifier
	waits    []time.Duration
}

func newHarness() *harness {
	return &harness{store: newMemStore(), notifier: &fakeNotifier{}}
}

func (h *harness) scheduler(t *testing.T, m Matcher, adapters ...*fakeAdapter) *Scheduler {
	t.Helper()
	schedules := make([]SourceSchedule, len(adapters))
	for i, a := range adapters {
		schedules[i] = SourceSchedule{Adapter: a, Interval: time.Hour}
	}

	s, err := New(schedules, Config{
		Store:    h.store,
		Notifier: h.notifier,
		Filter:   m,
		Timeouts: Timeouts{Fetch: time.Second, Store: time.Second, Notify: time.Second},
		Backoff:  BackoffPolicy{Initial: time.Second, Max: 3 * time.Second, MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.wait = func(_ context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		return nil
	}
	return s
}

func dublinCriteria(maxPrice float64) config.Criteria {
	return config.Criteria{
		MaxPrice:    &maxPrice,
		MinBedrooms: models.IntPtr(1),
		MaxBedrooms: models.IntPtr(3),
		Locations:   []string{"Dublin 8"},
	}
}

func runOnce(t *testing.T, s *Scheduler) []CycleReport {
	t.Helper()
	reports, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return reports
}

func TestIdenticalFetchNotifiesOnce(t *testing.T) {
	h := newHarness()
	l := listing("1", 1500, 2, "Dublin 8")
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{l, l}}))

	runOnce(t, s)
	runOnce(t, s)

	id := models.Identity{SourceID: "daft", ExternalID: "1"}
	if n := h.notifier.count(id); n != 1 {
		t.Fatalf("notified %d times, want 1", n)
	}
}

func TestNoRenotifyAfterRestart(t *testing.T) {
	h := newHarness()
	result := fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}}

	first := h.scheduler(t, matchAll{}, newAdapter("daft", result))
	runOnce(t, first)

	// a new process sharing the same durable store
	restarted := h.scheduler(t, matchAll{}, newAdapter("daft", result))
	reports := runOnce(t, restarted)

	if n := h.notifier.total(); n != 1 {
		t.Fatalf("notify calls = %d, want 1", n)
	}
	if reports[0].Skipped != 1 {
		t.Errorf("restarted cycle should skip the notified listing: %+v", reports[0])
	}
}

func TestAllChannelsFailedIsRetried(t *testing.T) {
	h := newHarness()
	h.notifier.errs = []error{errAllFailed}
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}}))
	id := models.Identity{SourceID: "daft", ExternalID: "1"}

	reports := runOnce(t, s)
	if reports[0].Pending != 1 {
		t.Fatalf("first cycle: %+v", reports[0])
	}
	rec, ok := h.store.get(id)
	if !ok || rec.Notified || !rec.Pending() {
		t.Fatalf("record after failed delivery: %+v (found %v)", rec, ok)
	}

	reports = runOnce(t, s)
	if reports[0].Notified != 1 {
		t.Fatalf("second cycle: %+v", reports[0])
	}
	if rec, _ := h.store.get(id); !rec.Notified {
		t.Fatal("listing should be marked notified after retry")
	}

	runOnce(t, s)
	if n := h.notifier.count(id); n != 2 {
		t.Errorf("notify calls = %d, want 2 (one failed, one delivered)", n)
	}
}

func TestNilFieldsPassFilter(t *testing.T) {
	h := newHarness()
	unknown := models.Listing{ExternalID: "x", Title: "Price on application", Location: "Rialto, Dublin 8"}
	s := h.scheduler(t, filter.NewFilter(dublinCriteria(1800)), newAdapter("daft", fetchResult{listings: []models.Listing{unknown}}))

	reports := runOnce(t, s)
	if reports[0].Notified != 1 {
		t.Fatalf("listing with unknown price and bedrooms should be notified: %+v", reports[0])
	}
}

func TestPermanentErrorIsolation(t *testing.T) {
	h := newHarness()
	broken := newAdapter("myhome", fetchResult{err: source.Permanent("myhome", errBroken)})
	healthy := newAdapter("daft", fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}})
	s := h.scheduler(t, matchAll{}, broken, healthy)

	reports, err := s.RunOnce(context.Background())
	if !errors.Is(err, errBroken) {
		t.Fatalf("err = %v, want broken source error", err)
	}
	if reports[0].Attempts != 1 || reports[0].Error == "" {
		t.Errorf("permanent errors must not be retried: %+v", reports[0])
	}
	if reports[1].Notified != 1 {
		t.Errorf("healthy source should still deliver: %+v", reports[1])
	}
	if len(h.waits) != 0 {
		t.Errorf("unexpected backoff waits %v", h.waits)
	}
}

func TestTransientErrorBacksOff(t *testing.T) {
	h := newHarness()
	flaky := newAdapter("rent_ie",
		fetchResult{err: source.Transient("rent_ie", errors.New("503"))},
		fetchResult{err: source.Transient("rent_ie", errors.New("timeout"))},
		fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}},
	)
	s := h.scheduler(t, matchAll{}, flaky)

	reports := runOnce(t, s)
	if reports[0].Attempts != 3 || reports[0].Notified != 1 {
		t.Fatalf("report: %+v", reports[0])
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(h.waits) != len(want) || h.waits[0] != want[0] || h.waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", h.waits, want)
	}
}

func TestTransientErrorGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness()
	down := newAdapter("rent_ie", fetchResult{err: source.Transient("rent_ie", errors.New("connection refused"))})
	s := h.scheduler(t, matchAll{}, down)

	reports, err := s.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if down.callCount() != 3 || reports[0].Attempts != 3 {
		t.Errorf("calls %d attempts %d, want 3", down.callCount(), reports[0].Attempts)
	}
	if st := s.Status()[0]; st.State != StateIdle || st.LastCycle == nil || st.LastCycle.Error == "" {
		t.Errorf("status after failed cycle: %+v", st)
	}
}

func TestDublin8ListingNotifiedOnce(t *testing.T) {
	h := newHarness()
	a := newAdapter("source-a", fetchResult{listings: []models.Listing{listing("A1", 1500, 2, "Dublin 8")}})
	s := h.scheduler(t, filter.NewFilter(dublinCriteria(1800)), a)
	id := models.Identity{SourceID: "source-a", ExternalID: "A1"}

	runOnce(t, s)
	if n := h.notifier.count(id); n != 1 {
		t.Fatalf("notify calls = %d, want 1", n)
	}
	rec, ok := h.store.get(id)
	if !ok || !rec.Notified {
		t.Fatalf("record = %+v (found %v), want notified", rec, ok)
	}

	runOnce(t, s)
	if n := h.notifier.count(id); n != 1 {
		t.Errorf("re-run notified again: %d calls", n)
	}
}

func TestFilteredListingNeverReevaluated(t *testing.T) {
	h := newHarness()
	result := fetchResult{listings: []models.Listing{listing("B1", 2500, 2, "Dublin 8")}}
	id := models.Identity{SourceID: "source-b", ExternalID: "B1"}

	strict := h.scheduler(t, filter.NewFilter(dublinCriteria(1800)), newAdapter("source-b", result))
	reports := runOnce(t, strict)
	if reports[0].Filtered != 1 {
		t.Fatalf("first pass: %+v", reports[0])
	}
	rec, ok := h.store.get(id)
	if !ok || rec.Notified || rec.Matched {
		t.Fatalf("record = %+v (found %v), want filtered", rec, ok)
	}

	relaxed := h.scheduler(t, filter.NewFilter(dublinCriteria(3000)), newAdapter("source-b", result))
	reports = runOnce(t, relaxed)
	if reports[0].Skipped != 1 {
		t.Errorf("relaxed pass: %+v", reports[0])
	}
	if n := h.notifier.total(); n != 0 {
		t.Errorf("filtered listing was notified %d times", n)
	}
}

func TestQuietHoursDeferDelivery(t *testing.T) {
	h := newHarness()
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}}))
	s.quiet = QuietHours{Enabled: true, Start: 23 * time.Hour, End: 7 * time.Hour}

	night := time.Date(2026, 3, 1, 2, 30, 0, 0, time.Local)
	s.now = func() time.Time { return night }
	reports := runOnce(t, s)
	if reports[0].Deferred != 1 || h.notifier.total() != 0 {
		t.Fatalf("night cycle: %+v, notify calls %d", reports[0], h.notifier.total())
	}

	morning := time.Date(2026, 3, 1, 7, 5, 0, 0, time.Local)
	s.now = func() time.Time { return morning }
	reports = runOnce(t, s)
	if reports[0].Notified != 1 {
		t.Fatalf("morning cycle: %+v", reports[0])
	}
}

func TestSingleFlightPerSource(t *testing.T) {
	h := newHarness()
	slow := newAdapter("daft", fetchResult{})
	slow.block = make(chan struct{})
	s := h.scheduler(t, matchAll{}, slow)

	done := make(chan error, 1)
	go func() {
		_, err := s.runCycle(context.Background(), s.workers[0])
		done <- err
	}()

	// wait for the first cycle to reach the fetch
	deadline := time.Now().Add(time.Second)
	for s.Status()[0].State != StateFetching {
		if time.Now().After(deadline) {
			t.Fatal("first cycle never started fetching")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := s.runCycle(context.Background(), s.workers[0])
	if !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("err = %v, want ErrCycleInProgress", err)
	}

	close(slow.block)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestShutdownFinishesCurrentIdentity(t *testing.T) {
	h := newHarness()
	listings := []models.Listing{
		listing("1", 1500, 2, "Dublin 8"),
		listing("2", 1500, 2, "Dublin 8"),
		listing("3", 1500, 2, "Dublin 8"),
	}
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: listings}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// shutdown arrives while the first listing is being delivered
	h.notifier.onSend = cancel

	report, err := s.runCycle(ctx, s.workers[0])
	if err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	first := models.Identity{SourceID: "daft", ExternalID: "1"}
	if rec, _ := h.store.get(first); !rec.Notified {
		t.Error("in-flight identity must be marked notified despite shutdown")
	}
	if report.Notified != 1 || h.notifier.total() != 1 {
		t.Errorf("cycle should stop after the in-flight identity: %+v", report)
	}
	if _, ok := h.store.get(models.Identity{SourceID: "daft", ExternalID: "2"}); ok {
		t.Error("next identity should not be recorded after shutdown")
	}
}

func TestStoreFailureIsContained(t *testing.T) {
	h := newHarness()
	h.store.err = errors.New("connection reset")
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{
		listing("1", 1500, 2, "Dublin 8"),
		listing("2", 1500, 2, "Dublin 8"),
	}}))

	reports := runOnce(t, s)
	if reports[0].Failed != 2 || h.notifier.total() != 0 {
		t.Errorf("report: %+v, notify calls %d", reports[0], h.notifier.total())
	}
}

func TestListingDetailsSaved(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		price   float64
	}{
		{"matched listing", matchAll{}, 1500},
		{"filtered listing", filter.NewFilter(dublinCriteria(1800)), 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			l := listing("1", tt.price, 2, "Dublin 8")
			l.ContactEmail = "lettings@example.ie"
			s := h.scheduler(t, tt.matcher, newAdapter("daft", fetchResult{listings: []models.Listing{l}}))

			runOnce(t, s)

			saved, ok := h.store.saved(models.Identity{SourceID: "daft", ExternalID: "1"})
			if !ok {
				t.Fatal("details not saved")
			}
			if saved.ContactEmail != "lettings@example.ie" || saved.Price == nil || *saved.Price != tt.price {
				t.Errorf("saved = %+v", saved)
			}
		})
	}
}

func TestPendingRetryRefreshesDetails(t *testing.T) {
	h := newHarness()
	h.notifier.errs = []error{errAllFailed}
	id := models.Identity{SourceID: "daft", ExternalID: "1"}

	first := listing("1", 1500, 2, "Dublin 8")
	runOnce(t, h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{first}})))

	reduced := listing("1", 1400, 2, "Dublin 8")
	runOnce(t, h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{reduced}})))

	saved, ok := h.store.saved(id)
	if !ok || saved.Price == nil || *saved.Price != 1400 {
		t.Errorf("saved = %+v (found %v), want the retried version", saved, ok)
	}
}

func TestDetailsFailureDoesNotBlockNotification(t *testing.T) {
	h := newHarness()
	h.store.saveErr = errors.New("foreign key violation")
	s := h.scheduler(t, matchAll{}, newAdapter("daft", fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}}))

	reports := runOnce(t, s)
	if reports[0].Notified != 1 || reports[0].Failed != 0 {
		t.Errorf("report: %+v", reports[0])
	}
	if rec, _ := h.store.get(models.Identity{SourceID: "daft", ExternalID: "1"}); !rec.Notified {
		t.Error("listing should be marked notified")
	}
}

func TestStartAndShutdown(t *testing.T) {
	h := newHarness()
	a := newAdapter("daft", fetchResult{listings: []models.Listing{listing("1", 1500, 2, "Dublin 8")}})
	s := h.scheduler(t, matchAll{}, a)

	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for h.notifier.total() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never ran its first cycle")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Shutdown()

	st := s.Status()[0]
	if st.Source != "daft" || st.Interval != "1h0m0s" {
		t.Errorf("status: %+v", st)
	}
	if a.callCount() != 1 {
		t.Errorf("adapter polled %d times before the first tick", a.callCount())
	}
}

func TestNewValidation(t *testing.T) {
	valid := Config{Store: newMemStore(), Notifier: &fakeNotifier{}, Filter: matchAll{}}

	tests := []struct {
		name      string
		schedules []SourceSchedule
		cfg       Config
	}{
		{"no sources", nil, valid},
		{"missing store", []SourceSchedule{{Adapter: newAdapter("a"), Interval: time.Minute}}, Config{Notifier: &fakeNotifier{}, Filter: matchAll{}}},
		{"zero interval", []SourceSchedule{{Adapter: newAdapter("a")}}, valid},
		{"duplicate", []SourceSchedule{
			{Adapter: newAdapter("a"), Interval: time.Minute},
			{Adapter: newAdapter("a"), Interval: time.Minute},
		}, valid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.schedules, tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
