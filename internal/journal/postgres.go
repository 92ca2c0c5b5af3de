package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ot_history (
	session_id  TEXT        NOT NULL,
	document_id TEXT        NOT NULL,
	revision    INTEGER     NOT NULL,
	operation   JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, document_id, revision)
)`

// PostgresStore keeps the journal in the ot_history table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and creates the table if needed.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create ot_history: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ot_history (session_id, document_id, revision, operation, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, document_id, revision) DO NOTHING`,
		e.SessionID, e.DocumentID, e.Revision, string(e.Operation), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s:%s@%d: %w", e.SessionID, e.DocumentID, e.Revision, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, document_id, revision, operation::text, created_at
		 FROM ot_history
		 ORDER BY session_id, document_id, revision`)
	if err != nil {
		return nil, fmt.Errorf("query ot_history: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e  Entry
			op string
		)
		if err := row.Scan(&e.SessionID, &e.DocumentID, &e.Revision, &op, &e.CreatedAt); err != nil {
			return Entry{}, err
		}
		e.Operation = []byte(op)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan ot_history: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Truncate(ctx context.Context, c Cut) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ot_history WHERE session_id = $1 AND document_id = $2 AND revision > $3`,
		c.SessionID, c.DocumentID, c.Revision)
	if err != nil {
		return fmt.Errorf("truncate %s:%s after %d: %w", c.SessionID, c.DocumentID, c.Revision, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
