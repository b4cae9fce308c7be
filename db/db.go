package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"rental-hunter/logger"
)

// DB is the durable seen-set backed by PostgreSQL
type DB struct {
	conn  *sql.DB
	locks *keyLock
	log   logger.Logger
	now   func() time.Time
}

// Config holds the connection settings
type Config struct {
	URL             string
	MaxOpenConns    int
	ConnectRetries  int
	ConnectInterval time.Duration
}

// Open connects to PostgreSQL, retrying the initial ping, and creates the
// schema if needed. The caller treats any error as fatal.
func Open(ctx context.Context, cfg Config, log logger.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := pingWithRetry(ctx, conn, cfg.ConnectRetries, cfg.ConnectInterval, log); err != nil {
		conn.Close()
		return nil, err
	}

	db := New(conn, log)
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// New wraps an open connection without touching the schema
func New(conn *sql.DB, log logger.Logger) *DB {
	if log == nil {
		log = logger.Nop()
	}
	return &DB{
		conn:  conn,
		locks: newKeyLock(),
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func pingWithRetry(ctx context.Context, conn *sql.DB, retries int, interval time.Duration, log logger.Logger) error {
	if retries < 1 {
		retries = 1
	}

	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		if err = conn.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == retries {
			break
		}
		log.Warn("database not reachable, retrying", logger.Fields{"attempt": attempt, "error": err.Error()})

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to ping database: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("failed to ping database after %d attempts: %w", retries, err)
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection, used by the health endpoint
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// tables are created in order; a failure here is fatal
var tables = []struct {
	name string
	stmt string
}{
	{"seen_listings", `
		CREATE TABLE IF NOT EXISTS seen_listings (
			source_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			matched BOOLEAN NOT NULL DEFAULT TRUE,
			notified_at TIMESTAMPTZ,
			contacted_at TIMESTAMPTZ,
			PRIMARY KEY (source_id, external_id)
		)
	`},
	// databases created before inquiries existed
	{"seen_listings.contacted_at", `ALTER TABLE seen_listings ADD COLUMN IF NOT EXISTS contacted_at TIMESTAMPTZ`},
	{"listings", `
		CREATE TABLE IF NOT EXISTS listings (
			source_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			price DOUBLE PRECISION,
			bedrooms INTEGER,
			bathrooms INTEGER,
			property_type TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			contact_email TEXT NOT NULL DEFAULT '',
			posted_at TIMESTAMPTZ,
			fetched_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (source_id, external_id),
			FOREIGN KEY (source_id, external_id) REFERENCES seen_listings (source_id, external_id) ON DELETE CASCADE
		)
	`},
	{"contacts", `
		CREATE TABLE IF NOT EXISTS contacts (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			email_to TEXT NOT NULL,
			email_subject TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			FOREIGN KEY (source_id, external_id) REFERENCES seen_listings (source_id, external_id) ON DELETE CASCADE
		)
	`},
}

// index failures are only logged
var indexes = []struct {
	name string
	stmt string
}{
	{"seen_listings.first_seen_at", `CREATE INDEX IF NOT EXISTS idx_seen_listings_first_seen ON seen_listings(first_seen_at)`},
	{"contacts.listing", `CREATE INDEX IF NOT EXISTS idx_contacts_listing ON contacts(source_id, external_id)`},
}

// initSchema creates the tables and indexes that don't exist yet
func (db *DB) initSchema(ctx context.Context) error {
	for _, t := range tables {
		if _, err := db.conn.ExecContext(ctx, t.stmt); err != nil {
			return fmt.Errorf("failed to create %s: %w", t.name, err)
		}
	}

	for _, idx := range indexes {
		if _, err := db.conn.ExecContext(ctx, idx.stmt); err != nil {
			db.log.Warn("failed to create index", logger.Fields{"index": idx.name, "error": err.Error()})
		}
	}

	db.log.Info("database schema initialized", nil)
	return nil
}
