package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rental-hunter/models"
)

// ErrAlreadyContacted is returned when an inquiry was already recorded for a listing
var ErrAlreadyContacted = errors.New("listing already contacted")

// recordColumns selects a seen record joined with its stored details
const recordColumns = `
	s.source_id, s.external_id, s.first_seen_at, s.notified, s.matched, s.notified_at, s.contacted_at,
	l.title, l.url, l.location, l.address, l.price, l.bedrooms, l.bathrooms, l.property_type,
	l.image_url, l.description, l.contact_email, l.posted_at, l.fetched_at`

const recordJoin = `
	FROM seen_listings s
	LEFT JOIN listings l ON l.source_id = s.source_id AND l.external_id = s.external_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.SeenRecord, error) {
	var (
		rec                                          models.SeenRecord
		notifiedAt, contactedAt, postedAt, fetchedAt sql.NullTime
		title, url, location, address, propertyType  sql.NullString
		imageURL, description, contactEmail          sql.NullString
		price                                        sql.NullFloat64
		bedrooms, bathrooms                          sql.NullInt64
	)
	err := row.Scan(
		&rec.Identity.SourceID, &rec.Identity.ExternalID, &rec.FirstSeenAt, &rec.Notified, &rec.Matched, &notifiedAt, &contactedAt,
		&title, &url, &location, &address, &price, &bedrooms, &bathrooms, &propertyType,
		&imageURL, &description, &contactEmail, &postedAt, &fetchedAt,
	)
	if err != nil {
		return models.SeenRecord{}, err
	}
	rec.NotifiedAt = timePtr(notifiedAt)
	rec.ContactedAt = timePtr(contactedAt)

	// no details row
	if !fetchedAt.Valid {
		return rec, nil
	}
	l := &models.Listing{
		SourceID:     rec.Identity.SourceID,
		ExternalID:   rec.Identity.ExternalID,
		Title:        title.String,
		URL:          url.String,
		Location:     location.String,
		Address:      address.String,
		PropertyType: propertyType.String,
		PostedAt:     timePtr(postedAt),
		FetchedAt:    fetchedAt.Time,
		ImageURL:     imageURL.String,
		Description:  description.String,
		ContactEmail: contactEmail.String,
	}
	if price.Valid {
		l.Price = models.FloatPtr(price.Float64)
	}
	if bedrooms.Valid {
		l.Bedrooms = models.IntPtr(int(bedrooms.Int64))
	}
	if bathrooms.Valid {
		l.Bathrooms = models.IntPtr(int(bathrooms.Int64))
	}
	rec.Details = l
	return rec, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// SaveListing stores the details of a recorded listing, replacing the
// previous version. The identity must already be in the seen-set.
func (db *DB) SaveListing(ctx context.Context, l models.Listing) error {
	id := l.Identity()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO listings (
			source_id, external_id, title, url, location, address, price, bedrooms, bathrooms,
			property_type, image_url, description, contact_email, posted_at, fetched_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			location = EXCLUDED.location,
			address = EXCLUDED.address,
			price = EXCLUDED.price,
			bedrooms = EXCLUDED.bedrooms,
			bathrooms = EXCLUDED.bathrooms,
			property_type = EXCLUDED.property_type,
			image_url = EXCLUDED.image_url,
			description = EXCLUDED.description,
			contact_email = EXCLUDED.contact_email,
			posted_at = EXCLUDED.posted_at,
			fetched_at = EXCLUDED.fetched_at,
			updated_at = EXCLUDED.updated_at
	`, id.SourceID, id.ExternalID, l.Title, l.URL, l.Location, l.Address, l.Price, l.Bedrooms, l.Bathrooms,
		l.PropertyType, l.ImageURL, l.Description, l.ContactEmail, l.PostedAt, l.FetchedAt, db.now())
	if err != nil {
		return fmt.Errorf("failed to save details of %s: %w", id, err)
	}
	return nil
}

// Listing returns the record of id with its stored details, or ErrNotFound
func (db *DB) Listing(ctx context.Context, id models.Identity) (models.SeenRecord, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+recordColumns+recordJoin+`
		WHERE s.source_id = $1 AND s.external_id = $2
	`, id.SourceID, id.ExternalID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SeenRecord{}, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.SeenRecord{}, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return rec, nil
}

// MarkContacted records an inquiry sent for id. A listing is contacted at
// most once: a second call fails with ErrAlreadyContacted.
func (db *DB) MarkContacted(ctx context.Context, id models.Identity, emailTo, subject string) (err error) {
	unlock := db.locks.Lock(id.String())
	defer unlock()

	now := db.now()
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
		UPDATE seen_listings
		SET contacted_at = $3
		WHERE source_id = $1 AND external_id = $2 AND contacted_at IS NULL
	`, id.SourceID, id.ExternalID, now)
	if err != nil {
		return fmt.Errorf("failed to mark %s contacted: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark %s contacted: %w", id, err)
	}

	if n == 0 {
		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM seen_listings WHERE source_id = $1 AND external_id = $2
			)
		`, id.SourceID, id.ExternalID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", id, err)
		}
		if exists {
			err = fmt.Errorf("mark %s contacted: %w", id, ErrAlreadyContacted)
		} else {
			err = fmt.Errorf("mark %s contacted: %w", id, ErrNotFound)
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contacts (source_id, external_id, email_to, email_subject, sent_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id.SourceID, id.ExternalID, emailTo, subject, now)
	if err != nil {
		return fmt.Errorf("failed to log contact for %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s: %w", id, err)
	}
	return nil
}
