package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rental-hunter/models"
)

var (
	// ErrStoreConflict is returned when a notified record would be
	// downgraded back to not notified.
	ErrStoreConflict = errors.New("seen-set conflict: notified record cannot be downgraded")
	// ErrNotFound is returned when an identity was never recorded
	ErrNotFound = errors.New("identity not recorded")
)

// HasSeen reports whether the identity has a record
func (db *DB) HasSeen(ctx context.Context, id models.Identity) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM seen_listings WHERE source_id = $1 AND external_id = $2
		)
	`, id.SourceID, id.ExternalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return exists, nil
}

// Lookup returns the record for id; ok is false when there is none
func (db *DB) Lookup(ctx context.Context, id models.Identity) (models.SeenRecord, bool, error) {
	rec := models.SeenRecord{Identity: id}
	var notifiedAt sql.NullTime

	err := db.conn.QueryRowContext(ctx, `
		SELECT first_seen_at, notified, matched, notified_at
		FROM seen_listings
		WHERE source_id = $1 AND external_id = $2
	`, id.SourceID, id.ExternalID).Scan(&rec.FirstSeenAt, &rec.Notified, &rec.Matched, &notifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SeenRecord{}, false, nil
	}
	if err != nil {
		return models.SeenRecord{}, false, fmt.Errorf("failed to look up %s: %w", id, err)
	}

	if notifiedAt.Valid {
		t := notifiedAt.Time
		rec.NotifiedAt = &t
	}
	return rec, true, nil
}

// Record stores a matched identity. Re-recording the same value is a
// no-op, false to true escalates the record and true to false fails with
// ErrStoreConflict. The write is committed before Record returns.
func (db *DB) Record(ctx context.Context, id models.Identity, notified bool) (err error) {
	unlock := db.locks.Lock(id.String())
	defer unlock()

	now := db.now()
	var notifiedAt any
	if notified {
		notifiedAt = now
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO seen_listings (source_id, external_id, first_seen_at, notified, matched, notified_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (source_id, external_id) DO NOTHING
	`, id.SourceID, id.ExternalID, now, notified, notifiedAt)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", id, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", id, err)
	}

	if inserted == 0 {
		var current bool
		err = tx.QueryRowContext(ctx, `
			SELECT notified FROM seen_listings
			WHERE source_id = $1 AND external_id = $2
			FOR UPDATE
		`, id.SourceID, id.ExternalID).Scan(&current)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}

		switch {
		case current && !notified:
			err = fmt.Errorf("record %s: %w", id, ErrStoreConflict)
			return err
		case !current && notified:
			_, err = tx.ExecContext(ctx, `
				UPDATE seen_listings
				SET notified = TRUE, matched = TRUE, notified_at = $3
				WHERE source_id = $1 AND external_id = $2
			`, id.SourceID, id.ExternalID, now)
			if err != nil {
				return fmt.Errorf("failed to escalate %s: %w", id, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", id, err)
	}
	return nil
}

// RecordFiltered stores an identity that failed the criteria. It is never
// evaluated again. Recording an existing identity changes nothing.
func (db *DB) RecordFiltered(ctx context.Context, id models.Identity) error {
	unlock := db.locks.Lock(id.String())
	defer unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO seen_listings (source_id, external_id, first_seen_at, notified, matched)
		VALUES ($1, $2, $3, FALSE, FALSE)
		ON CONFLICT (source_id, external_id) DO NOTHING
	`, id.SourceID, id.ExternalID, db.now())
	if err != nil {
		return fmt.Errorf("failed to record filtered %s: %w", id, err)
	}
	return nil
}

// MarkNotified flips notified to true. The first notification time is
// kept on repeated calls.
func (db *DB) MarkNotified(ctx context.Context, id models.Identity) error {
	unlock := db.locks.Lock(id.String())
	defer unlock()

	res, err := db.conn.ExecContext(ctx, `
		UPDATE seen_listings
		SET notified = TRUE, notified_at = COALESCE(notified_at, $3)
		WHERE source_id = $1 AND external_id = $2
	`, id.SourceID, id.ExternalID, db.now())
	if err != nil {
		return fmt.Errorf("failed to mark %s notified: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark %s notified: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark %s notified: %w", id, ErrNotFound)
	}
	return nil
}

// since returns the first instant of a lookback window ending now
func (db *DB) since(window time.Duration) time.Time {
	return db.now().Add(-window)
}
