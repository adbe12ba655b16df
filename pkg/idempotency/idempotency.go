// Package idempotency replays previously-seen responses for requests that
// carry an Idempotency-Key header. Keys are scoped per principal, only 2xx
// responses are cached, and the first writer wins when two replicas race.
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/agenr/agenr/pkg/faults"
)

// DefaultTTL is how long a cached response stays replayable.
const DefaultTTL = 24 * time.Hour

// Entry is one cached response.
type Entry struct {
	Key         string
	PrincipalID string
	Status      int
	Headers     http.Header
	Body        []byte
	CreatedAt   time.Time
}

// Store is an idempotency backend.
type Store interface {
	// Check returns the cached entry for key, or nil on a miss.
	Check(ctx context.Context, key string) (*Entry, error)
	// Put caches an entry. When the key already exists the stored entry is
	// kept and Put returns without error; the first writer wins.
	Put(ctx context.Context, e Entry) error
	// Cleanup removes entries created before the cutoff.
	Cleanup(ctx context.Context, olderThan time.Time) error
}

// SQLiteStore keeps the cache in the gateway's primary database.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

func NewSQLiteStore(db *sql.DB, ttl time.Duration) *SQLiteStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SQLiteStore{db: db, ttl: ttl}
}

func (s *SQLiteStore) Check(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT key, principal_id, status, headers, body, created_at_ms
	FROM idempotency_cache WHERE key = ?`, key)

	e, err := scanEntry(row)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, nil
	}
	if time.Since(e.CreatedAt) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_cache WHERE key = ?`, key)
		return nil, nil
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	headers, err := marshalHeaders(e.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO idempotency_cache (key, principal_id, status, headers, body, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (key) DO NOTHING`,
		e.Key, e.PrincipalID, e.Status, headers, e.Body, time.Now().UnixMilli())
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "insert idempotency entry")
	}
	return nil
}

func (s *SQLiteStore) Cleanup(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE created_at_ms < ?`, olderThan.UnixMilli())
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "cleanup idempotency cache")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var headers string
	var createdMS int64
	err := row.Scan(&e.Key, &e.PrincipalID, &e.Status, &headers, &e.Body, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "scan idempotency entry")
	}
	e.CreatedAt = time.UnixMilli(createdMS)
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &e.Headers); err != nil {
			return nil, faults.Wrap(faults.KindIntegrity, err, "decode cached headers")
		}
	}
	return &e, nil
}

func marshalHeaders(h http.Header) (string, error) {
	if h == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", faults.Wrap(faults.KindInvalid, err, "encode response headers")
	}
	return string(raw), nil
}
