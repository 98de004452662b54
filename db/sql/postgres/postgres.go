package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Connect opens PostgreSQL with the provided options, creates the cache
// tables when missing and returns a Store over them.
func Connect(ctx context.Context, opts ...Option) (*Store, error) {
	db, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// Migrate applies Schema followed by any extra statements.
func Migrate(ctx context.Context, db *sql.DB, extra ...string) error {
	if err := ApplyMigrations(ctx, db, append(append([]string{}, Schema...), extra...)...); err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}
