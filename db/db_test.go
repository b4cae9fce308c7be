package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"rental-hunter/logger"
)

func TestInitSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS seen_listings`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`ALTER TABLE seen_listings ADD COLUMN IF NOT EXISTS contacted_at`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS listings`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS contacts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_seen_listings_first_seen`).WillReturnError(errors.New("permission denied"))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS idx_contacts_listing`).WillReturnResult(sqlmock.NewResult(0, 0))

	// index failures are only logged
	if err := db.initSchema(context.Background()); err != nil {
		t.Fatalf("initSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestInitSchemaTableFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS seen_listings`).WillReturnError(errors.New("read-only"))

	if err := db.initSchema(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestPingWithRetry(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectPing()

	if err := pingWithRetry(context.Background(), conn, 3, time.Millisecond, logger.Nop()); err != nil {
		t.Fatalf("pingWithRetry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPingWithRetryGivesUp(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	refused := errors.New("connection refused")
	mock.ExpectPing().WillReturnError(refused)
	mock.ExpectPing().WillReturnError(refused)

	err = pingWithRetry(context.Background(), conn, 2, time.Millisecond, logger.Nop())
	if !errors.Is(err, refused) {
		t.Fatalf("err = %v, want wrapped %v", err, refused)
	}
}

func TestStats(t *testing.T) {
	db, mock := newMockDB(t)
	since := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "notified", "filtered", "pending", "contacted", "since", "notified_since", "contacted_since"}).
			AddRow(10, 4, 5, 1, 2, 3, 2, 1))

	s, err := db.StatsLast(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{Total: 10, Notified: 4, Filtered: 5, Pending: 1, Contacted: 2, Since: 3, NotifiedSince: 2, ContactedSince: 1}
	if s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
}

func TestRecent(t *testing.T) {
	db, mock := newMockDB(t)
	since := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	seen := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT\s+s.source_id, s.external_id`).
		WithArgs(since, 50).
		WillReturnRows(recordRows().
			AddRow("daft", "1", seen, true, true, seen, nil,
				"2 Bed Apartment", "https://www.daft.ie/for-rent/1", "Dublin 8", "Portobello Road, Dublin 8", 1800.0, 2, nil, "apartment",
				"", "", "letting@agent.ie", nil, seen).
			AddRow("rent_ie", "2", seen, false, false, nil, nil,
				nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil))

	records, err := db.RecentLast(context.Background(), 6*time.Hour, 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records: got %d", len(records))
	}
	first := records[0]
	if first.Identity.String() != "daft/1" || first.NotifiedAt == nil || first.ContactedAt != nil {
		t.Errorf("first: %+v", first)
	}
	if first.Details == nil {
		t.Fatal("first: details missing")
	}
	if d := first.Details; d.Title != "2 Bed Apartment" || d.Price == nil || *d.Price != 1800 || d.Bedrooms == nil || *d.Bedrooms != 2 ||
		d.Bathrooms != nil || d.ContactEmail != "letting@agent.ie" || d.SourceID != "daft" {
		t.Errorf("first details: %+v", d)
	}
	if records[1].Matched || records[1].NotifiedAt != nil || records[1].Details != nil {
		t.Errorf("second: %+v", records[1])
	}
}
