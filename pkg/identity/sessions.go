package identity

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/agenr/agenr/pkg/database"

	"github.com/agenr/agenr/pkg/faults"
)

// Session is a stored session row. Its id is the SHA-256 of the plaintext
// token; the token itself is never at rest.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SessionPrincipal lets a session act as its user. Sessions drive the
// dashboard surface, so they carry the paid scope set and never admin.
type SessionPrincipal struct {
	Session *Session
}

func (p *SessionPrincipal) PrincipalID() string { return p.Session.UserID }
func (p *SessionPrincipal) OwnerID() string     { return p.Session.UserID }
func (p *SessionPrincipal) IsAdmin() bool       { return false }

func (p *SessionPrincipal) HasScope(scope string) bool {
	for _, s := range DefaultScopes(TierPaid) {
		if s == scope {
			return true
		}
	}
	return false
}

// SessionStore manages session rows.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create mints a session and returns the plaintext token alongside the row.
func (s *SessionStore) Create(ctx context.Context, userID string, ttl time.Duration) (string, *Session, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, faults.Wrap(faults.KindTransient, err, "mint session token")
	}
	token := "agenr_sess_" + hex.EncodeToString(buf)

	now := time.Now().UTC()
	sess := &Session{
		ID:           HashKey(token),
		UserID:       userID,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sessions (id, user_id, expires_at, created_at, last_active_at)
	VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID,
		database.FormatTime(sess.ExpiresAt),
		database.FormatTime(sess.CreatedAt),
		database.FormatTime(sess.LastActiveAt))
	if err != nil {
		return "", nil, faults.Wrap(faults.KindTransient, err, "insert session")
	}

	return token, sess, nil
}

// Validate authenticates a plaintext token. Because the lookup hashes its
// input, presenting a stored session id fails: SHA-256(id) matches nothing.
func (s *SessionStore) Validate(ctx context.Context, token string) (*Session, error) {
	sess, err := s.get(ctx, HashKey(token))
	if err != nil {
		if faults.IsNotFound(err) {
			return nil, faults.Unauthorized("invalid session")
		}
		return nil, err
	}

	if time.Now().UTC().After(sess.ExpiresAt) {
		return nil, faults.Expired("session expired")
	}

	s.touch(ctx, sess.ID)
	return sess, nil
}

// Delete removes a session by its plaintext token.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, HashKey(token))
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete session")
	}
	return nil
}

// DeleteExpired removes sessions past their expiry.
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := database.FormatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, err, "delete expired sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SessionStore) get(ctx context.Context, id string) (*Session, error) {
	var (
		sess                              Session
		expiresAt, createdAt, lastActive string
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT id, user_id, expires_at, created_at, last_active_at
	FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.UserID, &expiresAt, &createdAt, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("session not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query session")
	}

	sess.ExpiresAt = database.ParseTime(expiresAt)
	sess.CreatedAt = database.ParseTime(createdAt)
	sess.LastActiveAt = database.ParseTime(lastActive)
	return &sess, nil
}

func (s *SessionStore) touch(ctx context.Context, id string) {
	now := database.FormatTime(time.Now())
	// Best-effort; a stale last_active_at is not worth failing a request.
	_, _ = s.db.ExecContext(ctx, `UPDATE sessions SET last_active_at = ? WHERE id = ?`, now, id)
}
