package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrator applies the base schema. Caller provides opened *sql.DB.
type Migrator struct{}

func (m Migrator) Up(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		// items: one row per indexed video; vector is little-endian float32
		`CREATE TABLE IF NOT EXISTS items (
            id TEXT PRIMARY KEY,
            vector BLOB NOT NULL,
            dim INTEGER NOT NULL,
            model TEXT NOT NULL,
            metadata TEXT,
            updated_at TEXT NOT NULL
        );`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
