package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agenr/agenr/pkg/archive"
	"github.com/agenr/agenr/pkg/faults"
)

// Exporter builds evidence bundles: a zip of the verified chain plus its
// verification report, stored content-addressed so the bundle hash is the
// receipt.
type Exporter struct {
	db       *sql.DB
	verifier *Verifier
	archive  archive.Store
}

func NewExporter(db *sql.DB, store archive.Store) *Exporter {
	return &Exporter{db: db, verifier: NewVerifier(db), archive: store}
}

// Bundle describes an exported evidence bundle.
type Bundle struct {
	ContentHash string  `json:"content_hash"`
	UserID      string  `json:"user_id,omitempty"`
	EntryCount  int     `json:"entry_count"`
	Report      *Report `json:"report"`
	ExportedAt  string  `json:"exported_at"`
}

// Export verifies the chain (global when userID is empty, else user-scoped),
// zips entries.json + report.json, and stores the zip. A broken chain still
// exports; the report inside says so.
func (e *Exporter) Export(ctx context.Context, userID string) (*Bundle, error) {
	var (
		report *Report
		err    error
	)
	if userID == "" {
		report, err = e.verifier.VerifyChain(ctx)
	} else {
		report, err = e.verifier.VerifyUserChain(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	entries, err := e.readEntries(ctx, userID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	entriesJSON, _ := json.MarshalIndent(entries, "", "  ")
	reportJSON, _ := json.MarshalIndent(report, "", "  ")
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"report.json", reportJSON},
	} {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "zip %s", f.name)
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "zip %s", f.name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "finalize zip")
	}

	hash, err := e.archive.Put(ctx, buf.Bytes())
	if err != nil {
		return nil, err
	}

	return &Bundle{
		ContentHash: hash,
		UserID:      userID,
		EntryCount:  len(entries),
		Report:      report,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Exporter) readEntries(ctx context.Context, userID string) ([]Entry, error) {
	query := `
	SELECT id, user_id, service_id, action, execution_id, ip_address, metadata, timestamp, prev_hash
	FROM credential_audit_log`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	if err := guardQuery(query); err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query audit entries")
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var executionID, ipAddress, metadata, prevHash sql.NullString
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ServiceID, &entry.Action,
			&executionID, &ipAddress, &metadata, &entry.Timestamp, &prevHash); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan audit entry")
		}
		entry.ExecutionID = executionID.String
		entry.IPAddress = ipAddress.String
		entry.PrevHash = prevHash.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &entry.Metadata)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
