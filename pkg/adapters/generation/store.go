// Package generation is the adapter generation job queue. Jobs are durable
// rows claimed by a single worker; every state change and log line survives a
// restart.
package generation

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

// Job statuses.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Job is one generation request.
type Job struct {
	ID         string     `json:"id"`
	Platform   string     `json:"platform"`
	OwnerKeyID string     `json:"-"`
	Status     string     `json:"status"`
	Logs       []string   `json:"logs"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store owns the generation_jobs table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue adds a queued job and returns its id.
func (s *Store) Enqueue(ctx context.Context, platform, ownerKeyID string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO generation_jobs (id, platform, owner_key_id, status, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		id, platform, ownerKeyID, StatusQueued, database.FormatTime(time.Now()))
	if err != nil {
		return "", faults.Wrap(faults.KindTransient, err, "enqueue generation job")
	}
	return id, nil
}

// ClaimNext atomically moves the oldest queued job to running. No queued job
// returns nil, nil.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	var job *Job
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, selectJob+`
		WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, StatusQueued)
		candidate, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "select queued job")
		}

		now := database.FormatTime(time.Now())
		res, err := tx.ExecContext(ctx, `
		UPDATE generation_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
			StatusRunning, now, candidate.ID, StatusQueued)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "claim job")
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		candidate.Status = StatusRunning
		started := database.ParseTime(now)
		candidate.StartedAt = &started
		job = candidate
		return nil
	})
	return job, err
}

// AppendLog adds one line to the job's persisted log.
func (s *Store) AppendLog(ctx context.Context, id, line string) error {
	return database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT logs FROM generation_jobs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return faults.NotFound("generation job %s not found", id)
		}
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "read job logs")
		}

		var logs []string
		if err := json.Unmarshal([]byte(raw), &logs); err != nil {
			logs = nil
		}
		logs = append(logs, line)
		updated, err := json.Marshal(logs)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "encode job logs")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE generation_jobs SET logs = ? WHERE id = ?`, string(updated), id)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "write job logs")
		}
		return nil
	})
}

// Complete finishes a running job with its generated source.
func (s *Store) Complete(ctx context.Context, id, result string) error {
	return s.finish(ctx, id, StatusComplete, result, "")
}

// Fail finishes a running job with an error message.
func (s *Store) Fail(ctx context.Context, id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(ctx, id, StatusFailed, "", msg)
}

func (s *Store) finish(ctx context.Context, id, status, result, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE generation_jobs SET status = ?, result = ?, error = ?, finished_at = ?
	WHERE id = ? AND status = ?`,
		status, result, errMsg, database.FormatTime(time.Now()), id, StatusRunning)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "finish job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "finish job")
	}
	if n == 0 {
		return faults.NotFound("no running generation job %s", id)
	}
	return nil
}

// RecoverStale fails any job left running by a previous process. Safe to call
// on every startup.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE generation_jobs SET status = ?, error = ?, finished_at = ?
	WHERE status = ?`,
		StatusFailed, "orphaned by process restart", database.FormatTime(time.Now()), StatusRunning)
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, err, "recover stale jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, faults.Wrap(faults.KindTransient, err, "recover stale jobs")
	}
	return int(n), nil
}

// Get returns one job scoped to its owner.
func (s *Store) Get(ctx context.Context, id, ownerKeyID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJob+`
	WHERE id = ? AND owner_key_id = ?`, id, ownerKeyID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("generation job %s not found", id)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select job")
	}
	return job, nil
}

const defaultPageSize = 20
const maxPageSize = 100

// List pages the owner's jobs newest first. The cursor is the created_at and
// id of the last job on the previous page.
func (s *Store) List(ctx context.Context, ownerKeyID string, limit int, beforeCreatedAt time.Time, beforeID string) ([]*Job, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	query := selectJob + ` WHERE owner_key_id = ?`
	args := []any{ownerKeyID}
	if beforeID != "" {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		cursor := database.FormatTime(beforeCreatedAt)
		args = append(args, cursor, cursor, beforeID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "list jobs")
	}
	defer func() { _ = rows.Close() }()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan job")
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

const selectJob = `
	SELECT id, platform, owner_key_id, status, logs, result, error,
	       created_at, started_at, finished_at
	FROM generation_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var ownerKeyID, result, errMsg sql.NullString
	var logs, createdAt string
	var startedAt, finishedAt sql.NullString

	err := row.Scan(&j.ID, &j.Platform, &ownerKeyID, &j.Status, &logs,
		&result, &errMsg, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	j.OwnerKeyID = ownerKeyID.String
	j.Result = result.String
	j.Error = errMsg.String
	j.CreatedAt = database.ParseTime(createdAt)
	if err := json.Unmarshal([]byte(logs), &j.Logs); err != nil {
		j.Logs = nil
	}
	if startedAt.Valid && startedAt.String != "" {
		t := database.ParseTime(startedAt.String)
		j.StartedAt = &t
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t := database.ParseTime(finishedAt.String)
		j.FinishedAt = &t
	}
	return &j, nil
}
