package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chunks (
	thread_id  TEXT        NOT NULL,
	message_id TEXT        NOT NULL,
	seq        BIGINT      NOT NULL,
	kind       TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	finalized  BOOLEAN     NOT NULL DEFAULT FALSE,
	PRIMARY KEY (thread_id, message_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_chunks_finalized
	ON chunks (thread_id, message_id) WHERE finalized;
`

// NewPostgresStore connects with the given DSN and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, for tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// AppendChunk implements Store.
func (s *PostgresStore) AppendChunk(ctx context.Context, chunk *models.PersistedChunk) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendOK, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var finalized bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE thread_id = $1 AND message_id = $2 AND finalized)`,
		chunk.ThreadID, chunk.MessageID,
	).Scan(&finalized)
	if err != nil {
		return AppendOK, classify(fmt.Errorf("check finalized: %w", err))
	}
	if finalized {
		return AppendDedup, nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chunks (thread_id, message_id, seq, kind, content, created_at, finalized)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (thread_id, message_id, seq) DO NOTHING`,
		chunk.ThreadID, chunk.MessageID, chunk.Seq, string(chunk.Kind),
		chunk.Content, chunk.CreatedAt, chunk.Finalized,
	)
	if err != nil {
		return AppendOK, classify(fmt.Errorf("append chunk: %w", err))
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return AppendOK, fmt.Errorf("append chunk: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return AppendOK, classify(fmt.Errorf("commit append: %w", err))
	}
	if inserted == 0 {
		return AppendDedup, nil
	}
	return AppendOK, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error { return s.db.Close() }

// classify marks integrity-constraint violations as permanent; the dedup
// key itself never errors because the insert is ON CONFLICT DO NOTHING.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.HasPrefix(string(pqErr.Code), "23") {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return err
}
