package db

import (
	"context"
	"fmt"
	"time"

	"rental-hunter/models"
)

// Stats summarizes the seen-set. The *Since counts only include records
// first seen, notified or contacted at or after the requested instant.
type Stats struct {
	Total          int `json:"total"`
	Notified       int `json:"notified"`
	Filtered       int `json:"filtered"`
	Pending        int `json:"pending"`
	Contacted      int `json:"contacted"`
	Since          int `json:"since"`
	NotifiedSince  int `json:"notified_since"`
	ContactedSince int `json:"contacted_since"`
}

// Stats counts records overall and since the given instant
func (db *DB) Stats(ctx context.Context, since time.Time) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE notified),
			COUNT(*) FILTER (WHERE NOT matched),
			COUNT(*) FILTER (WHERE matched AND NOT notified),
			COUNT(*) FILTER (WHERE contacted_at IS NOT NULL),
			COUNT(*) FILTER (WHERE first_seen_at >= $1),
			COUNT(*) FILTER (WHERE notified AND notified_at >= $1),
			COUNT(*) FILTER (WHERE contacted_at >= $1)
		FROM seen_listings
	`, since).Scan(&s.Total, &s.Notified, &s.Filtered, &s.Pending, &s.Contacted, &s.Since, &s.NotifiedSince, &s.ContactedSince)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	return s, nil
}

// StatsLast is Stats for a window ending now
func (db *DB) StatsLast(ctx context.Context, window time.Duration) (Stats, error) {
	return db.Stats(ctx, db.since(window))
}

// Recent lists records first seen at or after since, newest first
func (db *DB) Recent(ctx context.Context, since time.Time, limit int) ([]models.SeenRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT `+recordColumns+recordJoin+`
		WHERE s.first_seen_at >= $1
		ORDER BY s.first_seen_at DESC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	defer rows.Close()

	var records []models.SeenRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}
	return records, nil
}

// RecentLast is Recent for a window ending now
func (db *DB) RecentLast(ctx context.Context, window time.Duration, limit int) ([]models.SeenRecord, error) {
	return db.Recent(ctx, db.since(window), limit)
}
