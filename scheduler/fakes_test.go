package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rental-hunter/db"
	"rental-hunter/models"
	"rental-hunter/notify"
	"rental-hunter/source"
)

// memStore is an in-memory seen-set with the same contract as db.DB
type memStore struct {
	mu      sync.Mutex
	records map[models.Identity]models.SeenRecord
	details map[models.Identity]models.Listing
	err     error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[models.Identity]models.SeenRecord),
		details: make(map[models.Identity]models.Listing),
	}
}

func (m *memStore) Lookup(_ context.Context, id models.Identity) (models.SeenRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.SeenRecord{}, false, m.err
	}
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *memStore) Record(_ context.Context, id models.Identity, notified bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	switch {
	case !ok:
		m.records[id] = models.SeenRecord{Identity: id, FirstSeenAt: time.Now(), Notified: notified, Matched: true}
	case rec.Notified && !notified:
		return db.ErrStoreConflict
	case !rec.Notified && notified:
		rec.Notified = true
		m.records[id] = rec
	}
	return nil
}

func (m *memStore) RecordFiltered(_ context.Context, id models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		m.records[id] = models.SeenRecord{Identity: id, FirstSeenAt: time.Now()}
	}
	return nil
}

func (m *memStore) MarkNotified(ctx context.Context, id models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return db.ErrNotFound
	}
	if !rec.Notified {
		now := time.Now()
		rec.Notified = true
		rec.NotifiedAt = &now
		m.records[id] = rec
	}
	return nil
}

func (m *memStore) SaveListing(_ context.Context, listing models.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.records[listing.Identity()]; !ok {
		return db.ErrNotFound
	}
	m.details[listing.Identity()] = listing
	return nil
}

func (m *memStore) saved(id models.Identity) (models.Listing, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.details[id]
	return l, ok
}

func (m *memStore) get(id models.Identity) (models.SeenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

// fakeAdapter returns scripted results; the last one repeats
type fakeAdapter struct {
	name    string
	mu      sync.Mutex
	results []fetchResult
	calls   int
	block   chan struct{}
}

type fetchResult struct {
	listings []models.Listing
	err      error
}

func newAdapter(name string, results ...fetchResult) *fakeAdapter {
	return &fakeAdapter{name: name, results: results}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchCandidates(ctx context.Context) (source.Batch, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return source.Batch{}, source.Transient(f.name, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++

	r := f.results[i]
	return source.Batch{Listings: append([]models.Listing(nil), r.listings...)}, r.err
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeNotifier records deliveries; errs are returned in order, then nil
type fakeNotifier struct {
	mu     sync.Mutex
	sent   []models.Identity
	errs   []error
	onSend func()
}

func (f *fakeNotifier) Notify(_ context.Context, listing models.Listing) (notify.Result, error) {
	f.mu.Lock()
	f.sent = append(f.sent, listing.Identity())
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return notify.Result{Failed: map[string]error{"fake": err}}, err
	}
	return notify.Result{Delivered: []string{"fake"}}, nil
}

func (f *fakeNotifier) count(id models.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sent := range f.sent {
		if sent == id {
			n++
		}
	}
	return n
}

func (f *fakeNotifier) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type matchAll struct{}

func (matchAll) Matches(models.Listing) bool { return true }

var errAllFailed = fmt.Errorf("%w: telegram: timeout", notify.ErrAllChannelsFailed)

var errBroken = errors.New("markup changed")

func listing(id string, price float64, beds int, location string) models.Listing {
	return models.Listing{
		ExternalID: id,
		Title:      "Listing " + id,
		URL:        "https://example.ie/" + id,
		Location:   location,
		Price:      models.FloatPtr(price),
		Bedrooms:   models.IntPtr(beds),
	}
}
