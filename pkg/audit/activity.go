package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

const (
	activityDefaultLimit = 50
	activityMaxLimit     = 200
)

// ActivityEntry is the user-facing view of an audit row. It deliberately
// omits user_id, service_id and ip_address: the caller already knows who and
// what they asked about, and addresses stay internal.
type ActivityEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

// Activity lists a user's audit rows for one service, newest first. Limit is
// clamped to [1, 200] with a default of 50; before, when non-zero, excludes
// rows at or after that instant.
func (v *Verifier) Activity(ctx context.Context, userID, serviceID string, limit int, before time.Time) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = activityDefaultLimit
	}
	if limit > activityMaxLimit {
		limit = activityMaxLimit
	}

	query := `
	SELECT id, action, execution_id, metadata, timestamp
	FROM credential_audit_log
	WHERE user_id = ? AND service_id = ?`
	args := []any{userID, serviceID}
	if !before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, database.FormatTime(before))
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	if err := guardQuery(query); err != nil {
		return nil, err
	}

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query activity")
	}
	defer func() { _ = rows.Close() }()

	out := make([]ActivityEntry, 0, limit)
	for rows.Next() {
		var (
			e           ActivityEntry
			executionID sql.NullString
			metadata    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Action, &executionID, &metadata, &e.Timestamp); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan activity row")
		}
		e.ExecutionID = executionID.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
