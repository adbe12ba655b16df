package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// User is a human linked to one or more API keys or sessions.
type User struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IDTokenClaims are the fields the gateway reads from a provider ID token.
// The upstream consent flow already verified the token; the gateway only
// extracts identity, it does not re-validate signatures.
type IDTokenClaims struct {
	Subject string
	Email   string
	Name    string
}

// ClaimsFromIDToken parses an ID token without signature verification and
// returns (sub, email, name).
func ClaimsFromIDToken(raw string) (*IDTokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(raw, claims); err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "parse id_token")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, faults.Invalid("id_token missing sub claim")
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)

	return &IDTokenClaims{Subject: sub, Email: email, Name: name}, nil
}

// UserStore manages user rows.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Upsert creates or refreshes the user identified by (provider, providerID).
// Email and name follow the provider's latest values.
func (s *UserStore) Upsert(ctx context.Context, provider, providerID, email, name string) (*User, error) {
	if provider == "" || providerID == "" {
		return nil, faults.Invalid("provider and provider id are required")
	}

	now := database.FormatTime(time.Now())
	id := uuid.New().String()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO users (id, provider, provider_id, email, name, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (provider, provider_id) DO UPDATE SET
		email = excluded.email,
		name = excluded.name,
		updated_at = excluded.updated_at`,
		id, provider, providerID, email, nullable(name), now, now)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "upsert user")
	}

	return s.getByProvider(ctx, provider, providerID)
}

// Get returns a user by id.
func (s *UserStore) Get(ctx context.Context, id string) (*User, error) {
	return s.queryOne(ctx, `
	SELECT id, provider, provider_id, email, name, created_at, updated_at
	FROM users WHERE id = ?`, id)
}

func (s *UserStore) getByProvider(ctx context.Context, provider, providerID string) (*User, error) {
	return s.queryOne(ctx, `
	SELECT id, provider, provider_id, email, name, created_at, updated_at
	FROM users WHERE provider = ? AND provider_id = ?`, provider, providerID)
}

func (s *UserStore) queryOne(ctx context.Context, query string, args ...any) (*User, error) {
	var (
		u                    User
		name                 sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Provider, &u.ProviderID, &u.Email, &name, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("user not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query user")
	}

	u.Name = name.String
	u.CreatedAt = database.ParseTime(createdAt)
	u.UpdatedAt = database.ParseTime(updatedAt)
	return &u, nil
}
