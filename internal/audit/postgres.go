package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"content_assurance/internal/model"
)

const createEntriesTable = `CREATE TABLE IF NOT EXISTS audit_entries (
	id                  BIGINT PRIMARY KEY,
	ts                  TIMESTAMPTZ NOT NULL,
	request_id          TEXT NOT NULL,
	input_hash          TEXT NOT NULL,
	output_hash         TEXT NOT NULL,
	action              TEXT NOT NULL,
	composite_score     DOUBLE PRECISION NOT NULL,
	violation_count     INTEGER NOT NULL,
	user_ref            TEXT NOT NULL DEFAULT '',
	policy_version      TEXT NOT NULL,
	previous_entry_hash TEXT NOT NULL,
	entry_hash          TEXT NOT NULL
)`

const insertEntry = `INSERT INTO audit_entries
	(id, ts, request_id, input_hash, output_hash, action, composite_score,
	 violation_count, user_ref, policy_version, previous_entry_hash, entry_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const selectTail = `SELECT id, ts, request_id, input_hash, output_hash, action, composite_score,
	violation_count, user_ref, policy_version, previous_entry_hash, entry_hash
FROM (SELECT * FROM audit_entries ORDER BY id DESC LIMIT $1) tail
ORDER BY id ASC`

// pgDB is the subset of *pgxpool.Pool the store needs.
type pgDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists entries to the audit_entries table. Rows are never
// updated; a duplicate id is rejected by the primary key.
type PostgresStore struct {
	db    pgDB
	close func()
}

// NewPostgresStore connects to dsn and creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("audit: postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: ping postgres: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createEntriesTable); err != nil {
		return fmt.Errorf("audit: create audit_entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Write(ctx context.Context, e Entry) error {
	_, err := s.db.Exec(ctx, insertEntry,
		e.ID, e.Timestamp.UTC(), e.RequestID, e.InputHash, e.OutputHash, string(e.Action),
		e.CompositeScore, e.ViolationCount, e.UserRef, e.PolicyVersion,
		e.PreviousEntryHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadTail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	rows, err := s.db.Query(ctx, selectTail, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query tail: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			action string
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RequestID, &e.InputHash, &e.OutputHash, &action,
			&e.CompositeScore, &e.ViolationCount, &e.UserRef, &e.PolicyVersion,
			&e.PreviousEntryHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Action = model.Action(action)
		e.Timestamp = e.Timestamp.UTC()
		e.Persisted = true
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: read tail: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
