package oauth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// stateTTL bounds how long a connect flow may sit between redirect and
// callback.
const stateTTL = 10 * time.Minute

// State is a pending connect flow.
type State struct {
	State        string
	UserID       string
	Service      string
	CodeVerifier string
	CreatedAt    time.Time
}

// StateStore issues and consumes single-use OAuth states.
type StateStore struct {
	db *sql.DB
}

func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// Create issues an opaque state for a connect flow.
func (s *StateStore) Create(ctx context.Context, userID, service, codeVerifier string) (string, error) {
	state := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO oauth_states (state, user_id, service, code_verifier, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		state, userID, service, nullIfEmpty(codeVerifier), database.FormatTime(time.Now()))
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "insert oauth state")
	}

	s.sweep(ctx)
	return state, nil
}

// Consume validates and deletes a state. A second consume, or one past the
// TTL, fails closed.
func (s *StateStore) Consume(ctx context.Context, state string) (*State, error) {
	var (
		row          State
		codeVerifier sql.NullString
		createdAt    string
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT state, user_id, service, code_verifier, created_at
	FROM oauth_states WHERE state = ?`, state).Scan(
		&row.State, &row.UserID, &row.Service, &codeVerifier, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("unknown oauth state")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query oauth state")
	}

	// Single use regardless of outcome.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "consume oauth state")
	}

	row.CodeVerifier = codeVerifier.String
	row.CreatedAt = database.ParseTime(createdAt)
	if time.Since(row.CreatedAt) > stateTTL {
		return nil, faults.Expired("oauth state expired")
	}
	return &row, nil
}

// sweep drops states past the TTL. Best-effort.
func (s *StateStore) sweep(ctx context.Context) {
	cutoff := database.FormatTime(time.Now().Add(-stateTTL))
	_, _ = s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE created_at < ?`, cutoff)
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
