package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"vidsearch/internal/models"
	sqlitestore "vidsearch/internal/storage/sqlite"
)

// SQLiteBackend persists records in the items table.
type SQLiteBackend struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLiteBackend, error) {
	db, err := sqlitestore.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &SQLiteBackend{db: db, owned: true}, nil
}

// NewSQLite wraps an already migrated database. Close leaves db open.
func NewSQLite(db *sql.DB) *SQLiteBackend { return &SQLiteBackend{db: db} }

func (b *SQLiteBackend) Load(ctx context.Context, fn func(Record) error) error {
	rows, err := b.db.QueryContext(ctx, `SELECT id, vector, dim, model, metadata, updated_at FROM items ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec     Record
			blob    []byte
			dim     int
			meta    sql.NullString
			updated string
		)
		if err := rows.Scan(&rec.ID, &blob, &dim, &rec.Model, &meta, &updated); err != nil {
			return err
		}
		if rec.Vector, err = decodeVector(blob); err != nil {
			return fmt.Errorf("item %s: %w", rec.ID, err)
		}
		if len(rec.Vector) != dim {
			return fmt.Errorf("item %s: stored dim %d, vector has %d", rec.ID, dim, len(rec.Vector))
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &rec.Metadata); err != nil {
				return fmt.Errorf("item %s metadata: %w", rec.ID, err)
			}
		}
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *SQLiteBackend) Put(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT INTO items(id, vector, dim, model, metadata, updated_at) VALUES(?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET vector=excluded.vector, dim=excluded.dim, model=excluded.model,
            metadata=excluded.metadata, updated_at=excluded.updated_at`,
		rec.ID, encodeVector(rec.Vector), len(rec.Vector), rec.Model, string(meta), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	return err
}

func (b *SQLiteBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.db.Close()
}

// SaveRun records the outcome of one ingest run in ingest_runs.
func (b *SQLiteBackend) SaveRun(ctx context.Context, rep models.IngestReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `INSERT OR REPLACE INTO ingest_runs(id, started_at, finished_at, succeeded, skipped, failed, report) VALUES(?,?,?,?,?,?,?)`,
		rep.RunID, rep.StartedAt.UTC().Format(time.RFC3339Nano), rep.FinishedAt.UTC().Format(time.RFC3339Nano),
		rep.Succeeded, len(rep.Skipped), len(rep.Failed), string(body),
	)
	return err
}

// LastRun returns the most recently started ingest run.
func (b *SQLiteBackend) LastRun(ctx context.Context) (models.IngestReport, error) {
	var body string
	err := b.db.QueryRowContext(ctx, `SELECT report FROM ingest_runs ORDER BY started_at DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return models.IngestReport{}, fmt.Errorf("%w: no ingest runs", ErrNotFound)
	}
	if err != nil {
		return models.IngestReport{}, err
	}
	var rep models.IngestReport
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return models.IngestReport{}, err
	}
	return rep, nil
}
