// Package transactions journals every gateway operation so callers can fetch
// the outcome of a discover, query, or execute after the fact.
package transactions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// Statuses of a journal row.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Operations recorded in the journal.
const (
	OpDiscover = "discover"
	OpQuery    = "query"
	OpExecute  = "execute"
)

// Transaction is one journaled operation.
type Transaction struct {
	ID          string          `json:"id"`
	Operation   string          `json:"operation"`
	BusinessID  string          `json:"business_id"`
	OwnerKeyID  string          `json:"-"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Store persists the journal.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin inserts a pending row and returns its id.
func (s *Store) Begin(ctx context.Context, operation, businessID, ownerKeyID string, input any) (string, error) {
	switch operation {
	case OpDiscover, OpQuery, OpExecute:
	default:
		return "", faults.Invalid("unknown operation %q", operation)
	}

	var inputJSON any
	if input != nil {
		raw, err := json.Marshal(input)
		if err != nil {
			return "", faults.Wrap(faults.KindInvalid, err, "marshal operation input")
		}
		inputJSON = string(raw)
	}

	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO transactions (id, operation, business_id, owner_key_id, status, input, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, operation, businessID, ownerKeyID, StatusPending, inputJSON,
		database.FormatTime(time.Now()))
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "insert transaction")
	}
	return id, nil
}

// Complete marks a pending row completed and records the result.
func (s *Store) Complete(ctx context.Context, id string, result any) error {
	var resultJSON any
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return faults.Wrap(faults.KindInvalid, err, "marshal operation result")
		}
		resultJSON = string(raw)
	}
	return s.finish(ctx, id, StatusCompleted, resultJSON, nil)
}

// Fail marks a pending row failed and records the error message.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, StatusFailed, nil, msg)
}

func (s *Store) finish(ctx context.Context, id, status string, result, errMsg any) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE transactions SET status = ?, result = ?, error = ?, completed_at = ?
	WHERE id = ? AND status = ?`,
		status, result, errMsg, database.FormatTime(time.Now()), id, StatusPending)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "update transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "update transaction")
	}
	if n == 0 {
		return faults.NotFound("no pending transaction %s", id)
	}
	return nil
}

// Get returns one transaction. The owner key scopes the lookup; another
// key's transaction reads as absent, not forbidden.
func (s *Store) Get(ctx context.Context, id, ownerKeyID string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, operation, business_id, owner_key_id, status, input, result, error, created_at, completed_at
	FROM transactions WHERE id = ? AND owner_key_id = ?`, id, ownerKeyID)

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("transaction %s not found", id)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select transaction")
	}
	return tx, nil
}

// List returns the owner's most recent transactions, newest first.
func (s *Store) List(ctx context.Context, ownerKeyID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, operation, business_id, owner_key_id, status, input, result, error, created_at, completed_at
	FROM transactions WHERE owner_key_id = ?
	ORDER BY created_at DESC, id DESC LIMIT ?`, ownerKeyID, limit)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "list transactions")
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan transaction")
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var input, result, errMsg, completedAt sql.NullString
	var createdAt string
	if err := row.Scan(&tx.ID, &tx.Operation, &tx.BusinessID, &tx.OwnerKeyID,
		&tx.Status, &input, &result, &errMsg, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	tx.CreatedAt = database.ParseTime(createdAt)

	if input.Valid {
		tx.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		tx.Result = json.RawMessage(result.String)
	}
	tx.Error = errMsg.String
	if completedAt.Valid {
		done := database.ParseTime(completedAt.String)
		tx.CompletedAt = &done
	}
	return &tx, nil
}
