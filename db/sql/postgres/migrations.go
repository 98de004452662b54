package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema creates the tables backing Store. Keys hold either a value or a
// set of members; expires_at is NULL for keys without expiration.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS tagcache_keys (
		key        TEXT PRIMARY KEY,
		kind       SMALLINT NOT NULL,
		value      BYTEA,
		expires_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS tagcache_members (
		key    TEXT NOT NULL REFERENCES tagcache_keys (key) ON DELETE CASCADE,
		member TEXT NOT NULL,
		PRIMARY KEY (key, member)
	)`,
	`CREATE INDEX IF NOT EXISTS tagcache_keys_expires_at
		ON tagcache_keys (expires_at) WHERE expires_at IS NOT NULL`,
}

// ApplyMigrations executes the provided SQL statements in order within the given context.
func ApplyMigrations(ctx context.Context, db *sql.DB, statements ...string) error {
	if db == nil {
		return fmt.Errorf("postgres: db is nil")
	}
	for _, stmt := range statements {
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
