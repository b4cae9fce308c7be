package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"rental-hunter/models"
)

var testID = models.Identity{SourceID: "daft", ExternalID: "5123456"}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	db := New(conn, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return fixed }
	return db, mock
}

func TestHasSeen(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("daft", "5123456").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := db.HasSeen(context.Background(), testID)
	if err != nil {
		t.Fatalf("HasSeen: %v", err)
	}
	if !seen {
		t.Error("expected identity to be seen")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLookup(t *testing.T) {
	firstSeen := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	notifiedAt := firstSeen.Add(time.Minute)

	tests := []struct {
		name      string
		rows      *sqlmock.Rows
		wantFound bool
		want      models.SeenRecord
	}{
		{
			name: "notified record",
			rows: sqlmock.NewRows([]string{"first_seen_at", "notified", "matched", "notified_at"}).
				AddRow(firstSeen, true, true, notifiedAt),
			wantFound: true,
			want:      models.SeenRecord{Identity: testID, FirstSeenAt: firstSeen, Notified: true, Matched: true, NotifiedAt: &notifiedAt},
		},
		{
			name: "filtered record",
			rows: sqlmock.NewRows([]string{"first_seen_at", "notified", "matched", "notified_at"}).
				AddRow(firstSeen, false, false, nil),
			wantFound: true,
			want:      models.SeenRecord{Identity: testID, FirstSeenAt: firstSeen},
		},
		{
			name:      "missing",
			rows:      sqlmock.NewRows([]string{"first_seen_at", "notified", "matched", "notified_at"}),
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectQuery(`SELECT first_seen_at, notified, matched, notified_at`).
				WithArgs("daft", "5123456").
				WillReturnRows(tt.rows)

			rec, found, err := db.Lookup(context.Background(), testID)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if !found {
				return
			}
			if rec.Identity != tt.want.Identity || !rec.FirstSeenAt.Equal(tt.want.FirstSeenAt) ||
				rec.Notified != tt.want.Notified || rec.Matched != tt.want.Matched {
				t.Errorf("record = %+v, want %+v", rec, tt.want)
			}
			if (rec.NotifiedAt == nil) != (tt.want.NotifiedAt == nil) {
				t.Errorf("notified_at = %v, want %v", rec.NotifiedAt, tt.want.NotifiedAt)
			}
			if rec.Pending() {
				t.Error("neither record is pending")
			}
		})
	}
}

func TestRecordInsertsNewIdentity(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO seen_listings`).
		WithArgs("daft", "5123456", sqlmock.AnyArg(), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := db.Record(context.Background(), testID, false); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordExistingIdentity(t *testing.T) {
	tests := []struct {
		name     string
		current  bool
		notified bool
		wantErr  error
		escalate bool
	}{
		{name: "same value is a no-op", current: false, notified: false},
		{name: "notified again is a no-op", current: true, notified: true},
		{name: "false to true escalates", current: false, notified: true, escalate: true},
		{name: "true to false conflicts", current: true, notified: false, wantErr: ErrStoreConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)

			mock.ExpectBegin()
			mock.ExpectExec(`INSERT INTO seen_listings`).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT notified FROM seen_listings`).
				WithArgs("daft", "5123456").
				WillReturnRows(sqlmock.NewRows([]string{"notified"}).AddRow(tt.current))
			if tt.escalate {
				mock.ExpectExec(`UPDATE seen_listings`).
					WithArgs("daft", "5123456", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}
			if tt.wantErr != nil {
				mock.ExpectRollback()
			} else {
				mock.ExpectCommit()
			}

			err := db.Record(context.Background(), testID, tt.notified)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Record: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestRecordRollsBackOnFailure(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO seen_listings`).WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	if err := db.Record(context.Background(), testID, false); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordFiltered(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec(`INSERT INTO seen_listings .* VALUES \(\$1, \$2, \$3, FALSE, FALSE\)`).
		WithArgs("daft", "5123456", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO seen_listings`).
		WithArgs("daft", "5123456", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 0; i < 2; i++ {
		if err := db.RecordFiltered(context.Background(), testID); err != nil {
			t.Fatalf("RecordFiltered #%d: %v", i, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkNotified(t *testing.T) {
	t.Run("existing record", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(`UPDATE seen_listings\s+SET notified = TRUE, notified_at = COALESCE`).
			WithArgs("daft", "5123456", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := db.MarkNotified(context.Background(), testID); err != nil {
			t.Fatalf("MarkNotified: %v", err)
		}
	})

	t.Run("unknown identity", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectExec(`UPDATE seen_listings`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := db.MarkNotified(context.Background(), testID)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestSameIdentityIsSerialized(t *testing.T) {
	k := newKeyLock()

	var (
		active  int32
		overlap int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(testID.String())
			if atomic.AddInt32(&active, 1) > 1 {
				atomic.StoreInt32(&overlap, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if overlap != 0 {
		t.Error("two holders of the same key overlapped")
	}
	if k.size() != 0 {
		t.Errorf("lock table not cleaned up: %d entries", k.size())
	}
}

func TestDifferentIdentitiesDoNotBlock(t *testing.T) {
	k := newKeyLock()
	unlockA := k.Lock("daft/1")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("daft/2")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
