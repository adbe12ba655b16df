// Package audit writes the tamper-evident credential audit chain.
//
// Entries are insert-only; UPDATE and DELETE triggers on the table abort any
// mutation. Each entry commits to its predecessor in the same user's chain
// through prev_hash, so reordering or rewriting history is detectable by
// re-walking the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// Action taxonomy. Every credential touch maps to exactly one.
const (
	ActionCredentialStored    = "credential_stored"
	ActionCredentialRetrieved = "credential_retrieved"
	ActionCredentialRotated   = "credential_rotated"
	ActionCredentialDeleted   = "credential_deleted"
	ActionConnectionStarted   = "connection_started"
	ActionConnectionCompleted = "connection_completed"
	ActionConnectionFailed    = "connection_failed"
	ActionKeyCreated          = "key_created"
	ActionKeyRotated          = "key_rotated"
)

// Entry is one audit row.
type Entry struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	ServiceID   string         `json:"service_id"`
	Action      string         `json:"action"`
	ExecutionID string         `json:"execution_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   string         `json:"timestamp"`
	PrevHash    string         `json:"prev_hash,omitempty"`
}

// metadataDenylist names metadata keys that must never reach the log,
// compared case-insensitively at every nesting level.
var metadataDenylist = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"api_key":       true,
	"password":      true,
	"cookie_value":  true,
	"token":         true,
	"secret":        true,
}

// Logger appends to the audit chain.
type Logger struct {
	db  *sql.DB
	log *slog.Logger
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{
		db:  db,
		log: slog.Default().With("component", "audit"),
	}
}

// Log appends an entry. It never returns an error: a failed audit write is
// logged and swallowed so the business operation it annotates can finish.
func (l *Logger) Log(ctx context.Context, e Entry) {
	if err := l.append(ctx, &e); err != nil {
		l.log.Error("audit write failed", "action", e.Action, "user_id", e.UserID, "error", err)
	}
}

// append chains and inserts one entry. The previous-row select and the
// insert share one immediate transaction so concurrent writers cannot both
// chain off the same predecessor.
func (l *Logger) append(ctx context.Context, e *Entry) error {
	e.ID = uuid.New().String()
	e.Timestamp = database.FormatTime(time.Now())
	e.Metadata = SanitizeMetadata(e.Metadata)

	var metaJSON any
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return faults.Wrap(faults.KindInvalid, err, "marshal audit metadata")
		}
		metaJSON = string(raw)
	}

	return database.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var prevID, prevTS string
		err := tx.QueryRowContext(ctx, `
		SELECT id, timestamp FROM credential_audit_log
		WHERE user_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, e.UserID).Scan(&prevID, &prevTS)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			e.PrevHash = GenesisHash()
		case err != nil:
			return faults.Wrap(faults.KindTransient, err, "select previous audit row")
		default:
			e.PrevHash = ChainHash(prevID, prevTS)
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO credential_audit_log (id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.ServiceID, e.Action,
			emptyNull(e.ExecutionID), emptyNull(e.IPAddress), metaJSON,
			e.Timestamp, e.PrevHash)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "insert audit row")
		}
		return nil
	})
}

// ChainHash commits to a predecessor's identity and time.
func ChainHash(prevID, prevTimestamp string) string {
	sum := sha256.Sum256([]byte(prevID + prevTimestamp))
	return hex.EncodeToString(sum[:])
}

// GenesisHash anchors the first entry of every chain.
func GenesisHash() string {
	sum := sha256.Sum256([]byte("genesis"))
	return hex.EncodeToString(sum[:])
}

// SanitizeMetadata strips denylisted keys at every nesting depth, including
// inside arrays of objects. The input map is not modified.
func SanitizeMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if metadataDenylist[strings.ToLower(k)] {
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func emptyNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// guardQuery rejects anything but a single SELECT. Helpers that execute
// caller-assembled audit SQL must run their text through this first.
func guardQuery(query string) error {
	q := strings.TrimSpace(strings.ToUpper(query))
	if !strings.HasPrefix(q, "SELECT") {
		return faults.Forbidden("audit queries must be SELECT statements")
	}
	if strings.Contains(q, "UPDATE") || strings.Contains(q, "DELETE") {
		return faults.Forbidden("audit queries must not mutate")
	}
	if strings.Contains(strings.TrimSuffix(strings.TrimSpace(query), ";"), ";") {
		return faults.Forbidden("audit queries must be a single statement")
	}
	return nil
}
