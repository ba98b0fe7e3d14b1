package persist

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/roundtable/pkg/models"
)

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	thread_id  TEXT    NOT NULL,
	message_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at TIMESTAMP NOT NULL,
	finalized  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (thread_id, message_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_chunks_finalized
	ON chunks (thread_id, message_id) WHERE finalized = 1;
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serializes writers; a single connection avoids busy errors
	// from the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendChunk implements Store.
func (s *SQLiteStore) AppendChunk(ctx context.Context, chunk *models.PersistedChunk) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendOK, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var finalized bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE thread_id = ? AND message_id = ? AND finalized = 1)`,
		chunk.ThreadID, chunk.MessageID,
	).Scan(&finalized)
	if err != nil {
		return AppendOK, fmt.Errorf("check finalized: %w", err)
	}
	if finalized {
		return AppendDedup, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO chunks (thread_id, message_id, seq, kind, content, created_at, finalized)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.ThreadID, chunk.MessageID, chunk.Seq, string(chunk.Kind),
		chunk.Content, chunk.CreatedAt, chunk.Finalized,
	)
	if err != nil {
		return AppendOK, fmt.Errorf("append chunk: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return AppendOK, fmt.Errorf("append chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AppendOK, fmt.Errorf("commit append: %w", err)
	}
	if inserted == 0 {
		return AppendDedup, nil
	}
	return AppendOK, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
