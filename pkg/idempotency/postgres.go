package idempotency

import (
	"context"
	"database/sql"
	"time"

	// Registers the postgres driver for multi-replica deployments.
	_ "github.com/lib/pq"

	"github.com/agenr/agenr/pkg/faults"
)

// PostgresStore backs the cache with a shared Postgres database so several
// gateway replicas see the same keys.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// OpenPostgres connects to the DSN from AGENR_IDEMPOTENCY_DB_URL and ensures
// the cache table exists.
func OpenPostgres(ctx context.Context, dsn string, ttl time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "open idempotency database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, faults.Wrap(faults.KindTransient, err, "ping idempotency database")
	}
	s := NewPostgresStore(db, ttl)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS idempotency_cache (
		key TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		body BYTEA,
		created_at_ms BIGINT NOT NULL
	)`)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "create idempotency table")
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_cache (created_at_ms)`)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "create idempotency index")
	}
	return nil
}

func (s *PostgresStore) Check(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT key, principal_id, status, headers, body, created_at_ms
	FROM idempotency_cache WHERE key = $1`, key)

	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	if time.Since(e.CreatedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE key = $1`, key)
		return nil, nil
	}
	return e, nil
}

func (s *PostgresStore) Put(ctx context.Context, e Entry) error {
	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO idempotency_cache (key, principal_id, status, headers, body, created_at_ms)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (key) DO NOTHING`,
		e.Key, e.PrincipalID, e.Status, headers, e.Body, time.Now().UnixMilli())
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "insert idempotency entry")
	}
	return nil
}

func (s *PostgresStore) Cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE created_at_ms < $1`, olderThan.UnixMilli())
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "cleanup idempotency cache")
	}
	return nil
}
