package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Schema DDL. Timestamps are RFC3339Nano TEXT except where a column name ends
// in _ms, which holds a millisecond epoch INTEGER.
const (
	ddlUsers = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		email TEXT NOT NULL,
		name TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (provider, provider_id)
	);`

	ddlAPIKeys = `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		tier TEXT NOT NULL CHECK (tier IN ('free', 'paid', 'admin')),
		user_id TEXT,
		scopes TEXT NOT NULL DEFAULT '[]',
		rate_limit_override INTEGER,
		created_at TEXT NOT NULL,
		last_used_at TEXT
	);`

	ddlSessions = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_active_at TEXT NOT NULL
	);`

	ddlAdapters = `
	CREATE TABLE IF NOT EXISTS adapters (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('sandbox', 'review', 'public', 'rejected', 'archived')),
		file_path TEXT NOT NULL DEFAULT '',
		source_code TEXT,
		source_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		submitted_at TEXT,
		promoted_at TEXT,
		reviewed_at TEXT,
		archived_at TEXT,
		promoted_by TEXT,
		review_message TEXT,
		review_feedback TEXT,
		UNIQUE (platform, owner_id)
	);`

	ddlGenerationJobs = `
	CREATE TABLE IF NOT EXISTS generation_jobs (
		id TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		owner_key_id TEXT,
		status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'complete', 'failed')),
		logs TEXT NOT NULL DEFAULT '[]',
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);`

	ddlCredentials = `
	CREATE TABLE IF NOT EXISTS credentials (
		user_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		auth_type TEXT NOT NULL,
		encrypted_payload BLOB NOT NULL,
		iv BLOB NOT NULL,
		auth_tag BLOB NOT NULL,
		scopes TEXT,
		expires_at TEXT,
		last_used_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, service_id)
	);`

	ddlUserKeys = `
	CREATE TABLE IF NOT EXISTS user_keys (
		user_id TEXT PRIMARY KEY,
		encrypted_dek BLOB NOT NULL,
		kms_key_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		rotated_at TEXT
	);`

	ddlOAuthStates = `
	CREATE TABLE IF NOT EXISTS oauth_states (
		state TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		service TEXT NOT NULL,
		code_verifier TEXT,
		created_at TEXT NOT NULL
	);`

	ddlAuditLog = `
	CREATE TABLE IF NOT EXISTS credential_audit_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		service_id TEXT NOT NULL,
		action TEXT NOT NULL,
		execution_id TEXT,
		ip_address TEXT,
		metadata TEXT,
		timestamp TEXT NOT NULL,
		prev_hash TEXT
	);`

	ddlConfirmationTokens = `
	CREATE TABLE IF NOT EXISTS confirmation_tokens (
		token TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		summary TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);`

	ddlIdempotencyCache = `
	CREATE TABLE IF NOT EXISTS idempotency_cache (
		key TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL DEFAULT '{}',
		body BLOB,
		created_at_ms INTEGER NOT NULL
	);`

	ddlTransactions = `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL CHECK (operation IN ('discover', 'query', 'execute')),
		business_id TEXT NOT NULL,
		owner_key_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);`
)

var tableDDL = []string{
	ddlUsers,
	ddlAPIKeys,
	ddlSessions,
	ddlAdapters,
	ddlGenerationJobs,
	ddlCredentials,
	ddlUserKeys,
	ddlOAuthStates,
	ddlAuditLog,
	ddlConfirmationTokens,
	ddlIdempotencyCache,
	ddlTransactions,
}

var indexDDL = []string{
	// At most one public adapter per platform; the database is the arbiter.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_adapters_public ON adapters (platform) WHERE status = 'public';`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user_time ON credential_audit_log (user_id, timestamp, id);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_time ON credential_audit_log (timestamp, id);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON generation_jobs (status, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON generation_jobs (owner_key_id, created_at, id);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id);`,
	`CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_cache (created_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_confirmations_expiry ON confirmation_tokens (expires_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_owner ON transactions (owner_key_id, created_at);`,
}

var triggerDDL = []string{
	`CREATE TRIGGER IF NOT EXISTS credential_audit_no_update
	BEFORE UPDATE ON credential_audit_log
	BEGIN
		SELECT RAISE(ABORT, 'credential_audit_log is append-only');
	END;`,
	`CREATE TRIGGER IF NOT EXISTS credential_audit_no_delete
	BEFORE DELETE ON credential_audit_log
	BEGIN
		SELECT RAISE(ABORT, 'credential_audit_log is append-only');
	END;`,
}

// Columns added after the initial schema shipped. Older databases grow them
// in place via ALTER TABLE; fresh databases already have them from the DDL.
var lateColumns = map[string][]columnDef{
	"api_keys": {
		{"rate_limit_override", "INTEGER"},
		{"last_used_at", "TEXT"},
	},
	"adapters": {
		{"archived_at", "TEXT"},
		{"review_feedback", "TEXT"},
		{"promoted_by", "TEXT"},
	},
	"credentials": {
		{"last_used_at", "TEXT"},
		{"scopes", "TEXT"},
	},
	"generation_jobs": {
		{"owner_key_id", "TEXT"},
		{"finished_at", "TEXT"},
	},
	"user_keys": {
		{"rotated_at", "TEXT"},
	},
}

type columnDef struct {
	name string
	typ  string
}

// Migrate brings the schema to the current shape. It is idempotent and
// forward-only: it never drops user data and can be run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, ddl := range tableDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	if err := upgradeAdapterStatusCheck(ctx, db); err != nil {
		return err
	}

	for table, cols := range lateColumns {
		if err := ensureColumns(ctx, db, table, cols); err != nil {
			return err
		}
	}

	for _, ddl := range indexDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	for _, ddl := range triggerDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}

	return nil
}

// ensureColumns adds any of cols missing from table, detected via
// PRAGMA table_info.
func ensureColumns(ctx context.Context, db *sql.DB, table string, cols []columnDef) error {
	existing, err := tableColumns(ctx, db, table)
	if err != nil {
		return err
	}

	for _, col := range cols {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.name, col.typ)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// upgradeAdapterStatusCheck rebuilds the adapters table when its CHECK
// constraint predates the archived status. SQLite cannot alter a CHECK in
// place, so the upgrade is rename-copy-drop inside one transaction.
func upgradeAdapterStatusCheck(ctx context.Context, db *sql.DB) error {
	var tableSQL sql.NullString
	err := db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = 'adapters'`,
	).Scan(&tableSQL)
	if err != nil || !tableSQL.Valid {
		return err
	}
	if strings.Contains(tableSQL.String, "'archived'") {
		return nil
	}

	return WithTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE adapters RENAME TO adapters_old`); err != nil {
			return fmt.Errorf("rename adapters: %w", err)
		}
		if _, err := tx.ExecContext(ctx, ddlAdapters); err != nil {
			return fmt.Errorf("recreate adapters: %w", err)
		}

		oldCols, err := txTableColumns(ctx, tx, "adapters_old")
		if err != nil {
			return err
		}
		newCols, err := txTableColumns(ctx, tx, "adapters")
		if err != nil {
			return err
		}
		var shared []string
		for _, c := range newCols {
			for _, o := range oldCols {
				if c == o {
					shared = append(shared, c)
					break
				}
			}
		}
		colList := strings.Join(shared, ", ")
		copyStmt := fmt.Sprintf("INSERT INTO adapters (%s) SELECT %s FROM adapters_old", colList, colList)
		if _, err := tx.ExecContext(ctx, copyStmt); err != nil {
			return fmt.Errorf("copy adapters: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DROP TABLE adapters_old`); err != nil {
			return fmt.Errorf("drop adapters_old: %w", err)
		}
		return nil
	})
}

func txTableColumns(ctx context.Context, tx *sql.Tx, table string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
