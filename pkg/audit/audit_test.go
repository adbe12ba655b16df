package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/agenr/agenr/pkg/archive"
	"github.com/agenr/agenr/pkg/database"
)

func setupAudit(t *testing.T) (*Logger, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return NewLogger(db), db
}

// dropTriggers removes the append-only triggers so a test can simulate
// tampering. Production code has no equivalent.
func dropTriggers(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"credential_audit_no_update", "credential_audit_no_delete"} {
		if _, err := db.ExecContext(ctx, "DROP TRIGGER "+name); err != nil {
			t.Fatal(err)
		}
	}
}

func reinstallTriggers(t *testing.T, db *sql.DB) {
	t.Helper()
	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatal(err)
	}
}

func TestChainLinksEntries(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})
	}

	rows, err := db.QueryContext(ctx, `
	SELECT id, timestamp, prev_hash FROM credential_audit_log
	WHERE user_id = 'user-1' ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = rows.Close() }()

	expected := GenesisHash()
	n := 0
	for rows.Next() {
		var id, ts, prev string
		if err := rows.Scan(&id, &ts, &prev); err != nil {
			t.Fatal(err)
		}
		if prev != expected {
			t.Errorf("row %d prev_hash = %s, want %s", n, prev, expected)
		}
		expected = ChainHash(id, ts)
		n++
	}
	if n != 3 {
		t.Fatalf("rows = %d", n)
	}
}

func TestTriggersForbidMutation(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})

	if _, err := db.ExecContext(ctx, `UPDATE credential_audit_log SET action = 'credential_deleted'`); err == nil {
		t.Fatal("UPDATE on audit log succeeded")
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM credential_audit_log`); err == nil {
		t.Fatal("DELETE on audit log succeeded")
	}
}

func TestSanitizeMetadata(t *testing.T) {
	meta := map[string]any{
		"service":      "toast",
		"Access_Token": "secret",
		"nested": map[string]any{
			"refresh_token": "secret",
			"kept":          "yes",
			"list": []any{
				map[string]any{"client_secret": "secret", "ok": 1},
			},
		},
	}

	out := SanitizeMetadata(meta)

	if _, ok := out["Access_Token"]; ok {
		t.Error("case-insensitive denylist key survived")
	}
	nested := out["nested"].(map[string]any)
	if _, ok := nested["refresh_token"]; ok {
		t.Error("nested denylist key survived")
	}
	if nested["kept"] != "yes" {
		t.Error("non-secret nested key dropped")
	}
	item := nested["list"].([]any)[0].(map[string]any)
	if _, ok := item["client_secret"]; ok {
		t.Error("denylist key inside array survived")
	}

	// Input untouched.
	if _, ok := meta["Access_Token"]; !ok {
		t.Error("sanitiser mutated its input")
	}
}

func TestLogSwallowsStoreFailure(t *testing.T) {
	logger, db := setupAudit(t)
	// Closing the handle forces every write to fail.
	_ = db.Close()

	// Must not panic and must not propagate the failure.
	logger.Log(context.Background(), Entry{UserID: "u", ServiceID: "s", Action: ActionCredentialStored})
}

func TestVerifyChainCleanAndTampered(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})
	}

	verifier := NewVerifier(db)
	report, err := verifier.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 3 || report.CheckedEntries != 3 || report.UnchainedEntries != 0 {
		t.Fatalf("clean report = %+v", report)
	}

	// Tamper with the newest row's prev_hash.
	var lastID string
	if err := db.QueryRowContext(ctx, `
	SELECT id FROM credential_audit_log ORDER BY timestamp DESC, id DESC LIMIT 1`).Scan(&lastID); err != nil {
		t.Fatal(err)
	}
	dropTriggers(t, db)
	if _, err := db.ExecContext(ctx,
		`UPDATE credential_audit_log SET prev_hash = ? WHERE id = ?`,
		strings.Repeat("0", 64), lastID); err != nil {
		t.Fatal(err)
	}
	reinstallTriggers(t, db)

	report, err = verifier.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("tampered chain verified as valid")
	}
	if report.BrokenAt == nil || report.BrokenAt.ID != lastID {
		t.Fatalf("broken_at = %+v, want id %s", report.BrokenAt, lastID)
	}
}

func TestVerifyChainSkipsLegacyRows(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	// A legacy row with NULL prev_hash, inserted directly.
	ts := database.FormatTime(time.Now().Add(-time.Hour))
	if _, err := db.ExecContext(ctx, `
	INSERT INTO credential_audit_log (id, user_id, service_id, action, timestamp, prev_hash)
	VALUES ('legacy-1', 'user-1', 'toast', 'credential_stored', ?, NULL)`, ts); err != nil {
		t.Fatal(err)
	}

	logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})

	report, err := NewVerifier(db).VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 || report.CheckedEntries != 1 || report.UnchainedEntries != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerifyUserChainIsScoped(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})
	logger.Log(ctx, Entry{UserID: "user-2", ServiceID: "square", Action: ActionCredentialStored})
	logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialRetrieved})

	report, err := NewVerifier(db).VerifyUserChain(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.TotalEntries != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestActivityViewOmitsPrivateColumns(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	logger.Log(ctx, Entry{
		UserID:    "user-1",
		ServiceID: "toast",
		Action:    ActionCredentialRetrieved,
		IPAddress: "203.0.113.9",
		Metadata:  map[string]any{"auth_type": "oauth2"},
	})

	entries, err := NewVerifier(db).Activity(ctx, "user-1", "toast", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if e.Action != ActionCredentialRetrieved || e.Metadata["auth_type"] != "oauth2" {
		t.Errorf("entry = %+v", e)
	}
}

func TestActivityLimitClamp(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialRetrieved})
	}

	verifier := NewVerifier(db)
	entries, err := verifier.Activity(ctx, "user-1", "toast", 2, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("limit 2 returned %d", len(entries))
	}

	entries, err = verifier.Activity(ctx, "user-1", "toast", 1000, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Errorf("clamped limit returned %d", len(entries))
	}
}

func TestGuardQueryRejectsMutation(t *testing.T) {
	for _, q := range []string{
		"UPDATE credential_audit_log SET prev_hash = 'x'",
		"DELETE FROM credential_audit_log",
		"SELECT 1; DELETE FROM credential_audit_log",
	} {
		if err := guardQuery(q); err == nil {
			t.Errorf("guard accepted %q", q)
		}
	}
	if err := guardQuery("SELECT id FROM credential_audit_log"); err != nil {
		t.Errorf("guard rejected plain select: %v", err)
	}
}

func TestExportBundle(t *testing.T) {
	logger, db := setupAudit(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		logger.Log(ctx, Entry{UserID: "user-1", ServiceID: "toast", Action: ActionCredentialStored})
	}

	store, err := archive.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	bundle, err := NewExporter(db, store).Export(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if bundle.EntryCount != 2 || !bundle.Report.Valid {
		t.Fatalf("bundle = %+v", bundle)
	}

	blob, err := store.Get(ctx, bundle.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["entries.json"] || !names["report.json"] {
		t.Errorf("zip entries = %v", names)
	}
}
