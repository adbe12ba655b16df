package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/faults"
)

const (
	confirmationTTL = 5 * time.Minute
	tokenPrefix     = "cfm_"
)

// Confirmation is a single-use approval for one exact execute request.
type Confirmation struct {
	Token       string    `json:"token"`
	BusinessID  string    `json:"business_id"`
	RequestHash string    `json:"request_hash"`
	Summary     string    `json:"summary"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ConfirmationStore persists confirmation tokens.
type ConfirmationStore struct {
	db *sql.DB
}

func NewConfirmationStore(db *sql.DB) *ConfirmationStore {
	return &ConfirmationStore{db: db}
}

// Prepare mints a token bound to the canonical hash of the request. Expired
// rows are swept opportunistically on each call.
func (s *ConfirmationStore) Prepare(ctx context.Context, businessID string, request map[string]any) (*Confirmation, error) {
	hash, err := RequestHash(businessID, request)
	if err != nil {
		return nil, err
	}

	s.sweep(ctx)

	now := time.Now()
	c := &Confirmation{
		Token:       tokenPrefix + strings.ReplaceAll(uuid.New().String(), "-", ""),
		BusinessID:  businessID,
		RequestHash: hash,
		Summary:     summarize(businessID, request),
		CreatedAt:   now,
		ExpiresAt:   now.Add(confirmationTTL),
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO confirmation_tokens (token, business_id, request_hash, summary, created_at_ms, expires_at_ms)
	VALUES (?, ?, ?, ?, ?, ?)`,
		c.Token, c.BusinessID, c.RequestHash, c.Summary,
		c.CreatedAt.UnixMilli(), c.ExpiresAt.UnixMilli())
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "insert confirmation token")
	}
	return c, nil
}

// Consume returns the confirmation and deletes it. When two consumers race,
// the DELETE decides: only the one that removed the row gets the
// confirmation, the other sees nil as if the token were already gone.
func (s *ConfirmationStore) Consume(ctx context.Context, token string) (*Confirmation, error) {
	c, err := s.get(ctx, token)
	if err != nil {
		if faults.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if err := s.consume(ctx, token); err != nil {
		if faults.IsForbidden(err) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// Inspect checks a token against the request being executed without
// consuming it. Each failure mode gets its own message so callers can tell
// an agent what went wrong.
func (s *ConfirmationStore) Inspect(ctx context.Context, token, businessID string, request map[string]any) error {
	if token == "" {
		return faults.Forbidden("execute requires a confirmation token; call prepare first")
	}

	c, err := s.get(ctx, token)
	if err != nil {
		if faults.IsNotFound(err) {
			return faults.Forbidden("unknown confirmation token")
		}
		return err
	}

	if time.Now().After(c.ExpiresAt) {
		_ = s.delete(ctx, token)
		return faults.Forbidden("confirmation token expired; call prepare again")
	}

	hash, err := RequestHash(businessID, request)
	if err != nil {
		return err
	}
	if c.BusinessID != businessID || c.RequestHash != hash {
		return faults.Forbidden("confirmation token does not match this request")
	}
	return nil
}

// Validate checks a token against the request being executed and consumes
// it. The token is deleted only after every check passes; a mismatched
// request does not burn the approval.
func (s *ConfirmationStore) Validate(ctx context.Context, token, businessID string, request map[string]any) error {
	if err := s.Inspect(ctx, token, businessID, request); err != nil {
		return err
	}
	return s.consume(ctx, token)
}

// consume deletes the token and fails closed when another caller got there
// first. The DELETE's row count is the arbiter, not the earlier read.
func (s *ConfirmationStore) consume(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM confirmation_tokens WHERE token = ?`, token)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete confirmation token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete confirmation token")
	}
	if n == 0 {
		return faults.Forbidden("confirmation token already used")
	}
	return nil
}

func (s *ConfirmationStore) get(ctx context.Context, token string) (*Confirmation, error) {
	var c Confirmation
	var createdMS, expiresMS int64
	err := s.db.QueryRowContext(ctx, `
	SELECT token, business_id, request_hash, summary, created_at_ms, expires_at_ms
	FROM confirmation_tokens WHERE token = ?`, token).
		Scan(&c.Token, &c.BusinessID, &c.RequestHash, &c.Summary, &createdMS, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("confirmation token not found")
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select confirmation token")
	}
	c.CreatedAt = time.UnixMilli(createdMS)
	c.ExpiresAt = time.UnixMilli(expiresMS)
	return &c, nil
}

func (s *ConfirmationStore) delete(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM confirmation_tokens WHERE token = ?`, token); err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete confirmation token")
	}
	return nil
}

func (s *ConfirmationStore) sweep(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM confirmation_tokens WHERE expires_at_ms <= ?`, time.Now().UnixMilli())
}

// summarize renders a short human-readable line for the approval prompt.
func summarize(businessID string, request map[string]any) string {
	action := "execute"
	if cap, ok := request["capability"].(string); ok && cap != "" {
		action = cap
	}
	if cents, ok, err := amountCents(request); err == nil && ok {
		return fmt.Sprintf("%s for %s (%d.%02d)", action, businessID, cents/100, cents%100)
	}
	return fmt.Sprintf("%s for %s", action, businessID)
}
