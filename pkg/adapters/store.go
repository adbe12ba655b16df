package adapters

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/archive"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
)

// Adapter lifecycle statuses.
const (
	StatusSandbox  = "sandbox"
	StatusReview   = "review"
	StatusPublic   = "public"
	StatusRejected = "rejected"
	StatusArchived = "archived"
)

// SystemOwner owns bundled adapters.
const SystemOwner = "system"

// Record is one adapter row.
type Record struct {
	ID             string     `json:"id"`
	Platform       string     `json:"platform"`
	OwnerID        string     `json:"owner_id"`
	Status         string     `json:"status"`
	FilePath       string     `json:"file_path"`
	SourceCode     string     `json:"-"`
	SourceHash     string     `json:"source_hash"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	PromotedAt     *time.Time `json:"promoted_at,omitempty"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
	PromotedBy     string     `json:"promoted_by,omitempty"`
	ReviewMessage  string     `json:"review_message,omitempty"`
	ReviewFeedback string     `json:"review_feedback,omitempty"`
}

// Dirs are the filesystem roots the store may touch. Paths outside them are
// never written.
type Dirs struct {
	Public  string
	Runtime string
}

// Store owns the adapters table and its state machine. The database copy of
// the source is authoritative; files are a materialisation.
type Store struct {
	db      *sql.DB
	dirs    Dirs
	archive archive.Store
	log     *slog.Logger
}

func NewStore(db *sql.DB, dirs Dirs, archiveStore archive.Store) *Store {
	return &Store{
		db:      db,
		dirs:    dirs,
		archive: archiveStore,
		log:     slog.Default().With("component", "adapters"),
	}
}

// SourceHash is the content address of adapter source.
func SourceHash(source []byte) string {
	sum := sha256.Sum256(source)
	return hex.EncodeToString(sum[:])
}

func (s *Store) sandboxPath(platform, ownerID string) string {
	return filepath.Join(s.dirs.Runtime, fmt.Sprintf("%s__%s.json", platform, ownerID))
}

func (s *Store) publicPath(platform string) string {
	return filepath.Join(s.dirs.Public, platform+".json")
}

func (s *Store) rejectedPath(platform, ownerID string) string {
	return filepath.Join(s.dirs.Public, "_rejected", fmt.Sprintf("%s__%s.json", platform, ownerID))
}

// Upload creates or overwrites the owner's sandbox slot for a platform. The
// source must parse as a valid adapter spec. A slot currently in review or
// public cannot be overwritten.
func (s *Store) Upload(ctx context.Context, platform, ownerID string, source []byte) (*Record, error) {
	platform = NormalizePlatform(platform)
	spec, err := ParseSpec(source)
	if err != nil {
		return nil, err
	}
	if spec.Manifest.Platform != platform {
		return nil, faults.Invalid("spec platform %q does not match %q", spec.Manifest.Platform, platform)
	}

	existing, err := s.Get(ctx, platform, ownerID)
	if err != nil && !faults.IsNotFound(err) {
		return nil, err
	}
	if existing != nil && existing.Status != StatusSandbox && existing.Status != StatusRejected {
		return nil, faults.Conflict("adapter %s is %s; it cannot be overwritten", platform, existing.Status)
	}

	now := time.Now()
	path := s.sandboxPath(platform, ownerID)
	record := &Record{
		ID:         uuid.New().String(),
		Platform:   platform,
		OwnerID:    ownerID,
		Status:     StatusSandbox,
		FilePath:   path,
		SourceCode: string(source),
		SourceHash: SourceHash(source),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO adapters (id, platform, owner_id, status, file_path, source_code, source_hash, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (platform, owner_id) DO UPDATE SET
		status = excluded.status,
		file_path = excluded.file_path,
		source_code = excluded.source_code,
		source_hash = excluded.source_hash,
		updated_at = excluded.updated_at,
		review_feedback = NULL,
		review_message = NULL`,
		record.ID, platform, ownerID, StatusSandbox, path,
		record.SourceCode, record.SourceHash,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "upsert adapter")
	}

	if err := s.writeFile(path, source); err != nil {
		return nil, err
	}
	return s.Get(ctx, platform, ownerID)
}

// Submit moves the owner's sandbox adapter into review.
func (s *Store) Submit(ctx context.Context, platform, ownerID, message string) error {
	return s.transition(ctx, platform, ownerID,
		[]string{StatusSandbox}, StatusReview,
		"submitted_at = ?, review_message = ?",
		database.FormatTime(time.Now()), message)
}

// Withdraw pulls an adapter out of review back to the sandbox.
func (s *Store) Withdraw(ctx context.Context, platform, ownerID string) error {
	return s.transition(ctx, platform, ownerID,
		[]string{StatusReview}, StatusSandbox,
		"submitted_at = NULL")
}

// Reject returns a review adapter to its owner's sandbox with feedback.
func (s *Store) Reject(ctx context.Context, platform, ownerID, feedback string) error {
	return s.transition(ctx, platform, ownerID,
		[]string{StatusReview}, StatusSandbox,
		"reviewed_at = ?, review_feedback = ?",
		database.FormatTime(time.Now()), feedback)
}

// Promote publishes an adapter. Any previously-public row for the platform
// is rejected and its file moved under _rejected/. The partial unique index
// on (platform) WHERE status='public' is the final arbiter.
func (s *Store) Promote(ctx context.Context, platform, ownerID, promotedBy string) error {
	platform = NormalizePlatform(platform)
	now := database.FormatTime(time.Now())

	var previous *Record
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		target, err := getTx(ctx, tx, platform, ownerID)
		if err != nil {
			return err
		}
		if target.Status != StatusSandbox && target.Status != StatusReview {
			return faults.Conflict("cannot promote adapter in status %s", target.Status)
		}

		previous, err = publicRowTx(ctx, tx, platform)
		if err != nil && !faults.IsNotFound(err) {
			return err
		}
		if previous != nil && previous.ID == target.ID {
			return faults.Conflict("adapter is already public")
		}
		if previous != nil {
			_, err = tx.ExecContext(ctx, `
			UPDATE adapters SET status = ?, file_path = ?, reviewed_at = ?, review_message = ?, updated_at = ?
			WHERE id = ?`,
				StatusRejected, s.rejectedPath(platform, previous.OwnerID), now,
				fmt.Sprintf("superseded by %s", ownerID), now, previous.ID)
			if err != nil {
				return faults.Wrap(faults.KindTransient, err, "retire public adapter")
			}
		}

		_, err = tx.ExecContext(ctx, `
		UPDATE adapters SET status = ?, file_path = ?, promoted_at = ?, promoted_by = ?, updated_at = ?
		WHERE id = ?`,
			StatusPublic, s.publicPath(platform), now, promotedBy, now, target.ID)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "promote adapter")
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Materialise files after the row changes commit.
	if previous != nil {
		s.moveFile(s.publicPath(platform), s.rejectedPath(platform, previous.OwnerID))
	}
	target, err := s.Get(ctx, platform, ownerID)
	if err != nil {
		return err
	}
	return s.writeFile(target.FilePath, []byte(target.SourceCode))
}

// Demote sends the public adapter back to its owner's sandbox.
func (s *Store) Demote(ctx context.Context, platform string) error {
	platform = NormalizePlatform(platform)

	var record *Record
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		record, err = publicRowTx(ctx, tx, platform)
		if err != nil {
			return err
		}
		now := database.FormatTime(time.Now())
		_, err = tx.ExecContext(ctx, `
		UPDATE adapters SET status = ?, file_path = ?, updated_at = ? WHERE id = ?`,
			StatusSandbox, s.sandboxPath(platform, record.OwnerID), now, record.ID)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "demote adapter")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.moveFile(s.publicPath(platform), s.sandboxPath(platform, record.OwnerID))
	return nil
}

// Archive soft-deletes a non-public adapter.
func (s *Store) Archive(ctx context.Context, platform, ownerID string) error {
	record, err := s.Get(ctx, platform, ownerID)
	if err != nil {
		return err
	}
	if record.Status == StatusPublic {
		return faults.Conflict("demote the public adapter before archiving")
	}
	return s.transition(ctx, platform, ownerID,
		[]string{StatusSandbox, StatusReview, StatusRejected}, StatusArchived,
		"archived_at = ?", database.FormatTime(time.Now()))
}

// Restore brings an archived adapter back to the sandbox.
func (s *Store) Restore(ctx context.Context, platform, ownerID string) error {
	return s.transition(ctx, platform, ownerID,
		[]string{StatusArchived}, StatusSandbox,
		"archived_at = NULL")
}

// HardDelete removes the row. The source is preserved in the archive store
// before deletion when one is configured.
func (s *Store) HardDelete(ctx context.Context, platform, ownerID string) error {
	record, err := s.Get(ctx, platform, ownerID)
	if err != nil {
		return err
	}
	if record.Status == StatusPublic {
		return faults.Conflict("demote the public adapter before deleting")
	}

	if s.archive != nil && record.SourceCode != "" {
		if _, err := s.archive.Put(ctx, []byte(record.SourceCode)); err != nil {
			return err
		}
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM adapters WHERE id = ?`, record.ID); err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete adapter")
	}
	s.removeFile(record.FilePath)
	return nil
}

// transition applies a guarded status change. A row in none of the allowed
// source statuses yields Conflict.
func (s *Store) transition(ctx context.Context, platform, ownerID string, from []string, to string, extraSet string, extraArgs ...any) error {
	platform = NormalizePlatform(platform)

	placeholders := strings.Repeat("?, ", len(from))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	set := "status = ?, updated_at = ?"
	if extraSet != "" {
		set += ", " + extraSet
	}

	args := []any{to, database.FormatTime(time.Now())}
	args = append(args, extraArgs...)
	args = append(args, platform, ownerID)
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	UPDATE adapters SET %s
	WHERE platform = ? AND owner_id = ? AND status IN (%s)`, set, placeholders), args...)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "adapter transition to %s", to)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "adapter transition to %s", to)
	}
	if n == 0 {
		record, getErr := s.Get(ctx, platform, ownerID)
		if getErr != nil {
			return getErr
		}
		return faults.Conflict("adapter %s is %s, expected one of %s", platform, record.Status, strings.Join(from, "|"))
	}
	return nil
}

// Get returns one adapter row.
func (s *Store) Get(ctx context.Context, platform, ownerID string) (*Record, error) {
	platform = NormalizePlatform(platform)
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE platform = ? AND owner_id = ?`, platform, ownerID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("adapter %s not found for owner", platform)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select adapter")
	}
	return record, nil
}

// Public returns the platform's public row.
func (s *Store) Public(ctx context.Context, platform string) (*Record, error) {
	platform = NormalizePlatform(platform)
	row := s.db.QueryRowContext(ctx, selectRecord+` WHERE platform = ? AND status = ?`, platform, StatusPublic)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("no public adapter for %s", platform)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select public adapter")
	}
	return record, nil
}

// List applies the visibility rule: admins see everything, everyone else
// sees their own rows plus all public ones.
func (s *Store) List(ctx context.Context, ownerID string, admin bool) ([]*Record, error) {
	query := selectRecord + ` ORDER BY platform ASC, owner_id ASC`
	args := []any{}
	if !admin {
		query = selectRecord + ` WHERE owner_id = ? OR status = ? ORDER BY platform ASC, owner_id ASC`
		args = append(args, ownerID, StatusPublic)
	}
	return s.queryRecords(ctx, query, args...)
}

// ListByStatus returns all rows in one status, for review queues and
// archived listings.
func (s *Store) ListByStatus(ctx context.Context, status string) ([]*Record, error) {
	return s.queryRecords(ctx, selectRecord+` WHERE status = ? ORDER BY updated_at DESC`, status)
}

// Active returns every row the registry should consider.
func (s *Store) Active(ctx context.Context) ([]*Record, error) {
	return s.queryRecords(ctx,
		selectRecord+` WHERE status IN (?, ?, ?) ORDER BY platform ASC`,
		StatusSandbox, StatusReview, StatusPublic)
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "list adapters")
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan adapter")
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

const selectRecord = `
	SELECT id, platform, owner_id, status, file_path, source_code, source_hash,
	       created_at, updated_at, submitted_at, promoted_at, reviewed_at, archived_at,
	       promoted_by, review_message, review_feedback
	FROM adapters`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var r Record
	var source, promotedBy, reviewMessage, reviewFeedback sql.NullString
	var createdAt, updatedAt string
	var submittedAt, promotedAt, reviewedAt, archivedAt sql.NullString

	err := row.Scan(&r.ID, &r.Platform, &r.OwnerID, &r.Status, &r.FilePath,
		&source, &r.SourceHash, &createdAt, &updatedAt,
		&submittedAt, &promotedAt, &reviewedAt, &archivedAt,
		&promotedBy, &reviewMessage, &reviewFeedback)
	if err != nil {
		return nil, err
	}

	r.SourceCode = source.String
	r.PromotedBy = promotedBy.String
	r.ReviewMessage = reviewMessage.String
	r.ReviewFeedback = reviewFeedback.String
	r.CreatedAt = database.ParseTime(createdAt)
	r.UpdatedAt = database.ParseTime(updatedAt)
	r.SubmittedAt = nullTime(submittedAt)
	r.PromotedAt = nullTime(promotedAt)
	r.ReviewedAt = nullTime(reviewedAt)
	r.ArchivedAt = nullTime(archivedAt)
	return &r, nil
}

func nullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := database.ParseTime(v.String)
	return &t
}

func getTx(ctx context.Context, tx *sql.Tx, platform, ownerID string) (*Record, error) {
	row := tx.QueryRowContext(ctx, selectRecord+` WHERE platform = ? AND owner_id = ?`, platform, ownerID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("adapter %s not found for owner", platform)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select adapter")
	}
	return record, nil
}

func publicRowTx(ctx context.Context, tx *sql.Tx, platform string) (*Record, error) {
	row := tx.QueryRowContext(ctx, selectRecord+` WHERE platform = ? AND status = ?`, platform, StatusPublic)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("no public adapter for %s", platform)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "select public adapter")
	}
	return record, nil
}

// insideRoots reports whether path sits under one of the configured roots.
func (s *Store) insideRoots(path string) bool {
	for _, root := range []string{s.dirs.Public, s.dirs.Runtime} {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *Store) writeFile(path string, source []byte) error {
	if !s.insideRoots(path) {
		s.log.Warn("refusing to write adapter file outside roots", "path", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return faults.Wrap(faults.KindTransient, err, "create adapter dir")
	}
	if err := os.WriteFile(path, source, 0o644); err != nil {
		return faults.Wrap(faults.KindTransient, err, "write adapter file")
	}
	return nil
}

func (s *Store) moveFile(from, to string) {
	if !s.insideRoots(from) || !s.insideRoots(to) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		s.log.Warn("move adapter file", "error", err)
		return
	}
	if err := os.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("move adapter file", "from", from, "to", to, "error", err)
	}
}

func (s *Store) removeFile(path string) {
	if !s.insideRoots(path) {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove adapter file", "path", path, "error", err)
	}
}
