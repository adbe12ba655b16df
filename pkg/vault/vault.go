// Package vault stores third-party credentials envelope-encrypted per user.
//
// Each user has one DEK, minted on first write and wrapped by the KMS; the
// payload itself is AES-256-GCM under that DEK with the IV and auth tag in
// separate columns. Plaintext never reaches the credentials table, and every
// touch lands on the audit chain.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/kms"
)

// SystemUserID owns adapter app OAuth credentials shared by all tenants.
const SystemUserID = "__system__"

// Auth types the vault recognises. The set is open; adapters may introduce
// new ones, but app credentials are always app_oauth.
const (
	AuthTypeAPIKey     = "api_key"
	AuthTypeOAuth2     = "oauth2"
	AuthTypeClientCred = "client_credentials"
	AuthTypeCookie     = "cookie"
	AuthTypeAppOAuth   = "app_oauth"
)

const gcmTagSize = 16

// serviceIDPattern bounds what a normalised service id may look like.
var serviceIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// NormalizeServiceID canonicalises a service identifier: unicode NFKC fold,
// trim, lowercase. The result still has to pass ValidateServiceID.
func NormalizeServiceID(service string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(service)))
}

// ValidateServiceID rejects ids that escape the bounded character set.
func ValidateServiceID(service string) error {
	if !serviceIDPattern.MatchString(service) {
		return faults.Invalid("invalid service id %q", service)
	}
	return nil
}

// Credential is a decrypted credential as handed to callers. It never hits
// the store in this form.
type Credential struct {
	UserID     string         `json:"user_id"`
	Service    string         `json:"service"`
	AuthType   string         `json:"auth_type"`
	Payload    map[string]any `json:"payload"`
	Scopes     []string       `json:"scopes,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Metadata is the listing view: everything about a credential except the
// credential.
type Metadata struct {
	Service    string     `json:"service"`
	AuthType   string     `json:"auth_type"`
	Status     string     `json:"status"`
	Scopes     []string   `json:"scopes,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Vault is the credential store.
type Vault struct {
	db    *sql.DB
	kms   kms.Manager
	audit *audit.Logger
}

func New(db *sql.DB, manager kms.Manager, auditLog *audit.Logger) *Vault {
	return &Vault{db: db, kms: manager, audit: auditLog}
}

// Store upserts a credential and audits credential_stored.
func (v *Vault) Store(ctx context.Context, userID, service, authType string, payload map[string]any, scopes []string) error {
	return v.store(ctx, userID, service, authType, payload, scopes, audit.ActionCredentialStored)
}

// Rotate replaces a credential's payload after a token refresh. Same write
// path as Store, but the chain records credential_rotated.
func (v *Vault) Rotate(ctx context.Context, userID, service, authType string, payload map[string]any, scopes []string) error {
	return v.store(ctx, userID, service, authType, payload, scopes, audit.ActionCredentialRotated)
}

func (v *Vault) store(ctx context.Context, userID, service, authType string, payload map[string]any, scopes []string, action string) error {
	service = NormalizeServiceID(service)
	if err := ValidateServiceID(service); err != nil {
		return err
	}
	if userID == "" {
		return faults.Invalid("user id is required")
	}
	if authType == "" {
		return faults.Invalid("auth type is required")
	}
	if len(payload) == 0 {
		return faults.Invalid("credential payload is required")
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindInvalid, err, "marshal credential payload")
	}

	dek, err := v.userDEK(ctx, userID)
	if err != nil {
		return err
	}

	ciphertext, iv, tag, err := encrypt(dek, plaintext)
	if err != nil {
		return err
	}

	var scopesJSON any
	if len(scopes) > 0 {
		raw, _ := json.Marshal(scopes)
		scopesJSON = string(raw)
	}

	now := time.Now().UTC()
	var expiresAt any
	if t, ok := payloadExpiry(payload, now); ok {
		expiresAt = database.FormatTime(t)
	}

	_, err = v.db.ExecContext(ctx, `
	INSERT INTO credentials (user_id, service_id, auth_type, encrypted_payload, iv, auth_tag, scopes, expires_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, service_id) DO UPDATE SET
		auth_type = excluded.auth_type,
		encrypted_payload = excluded.encrypted_payload,
		iv = excluded.iv,
		auth_tag = excluded.auth_tag,
		scopes = excluded.scopes,
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`,
		userID, service, authType, ciphertext, iv, tag, scopesJSON, expiresAt,
		database.FormatTime(now), database.FormatTime(now))
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "upsert credential")
	}

	v.audit.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    action,
		Metadata:  map[string]any{"auth_type": authType},
	})
	return nil
}

// Retrieve decrypts a credential and audits credential_retrieved. A GCM
// auth-tag mismatch is an integrity fault and must not be retried.
func (v *Vault) Retrieve(ctx context.Context, userID, service string) (*Credential, error) {
	service = NormalizeServiceID(service)
	if err := ValidateServiceID(service); err != nil {
		return nil, err
	}

	cred, ciphertext, iv, tag, err := v.getRow(ctx, userID, service)
	if err != nil {
		return nil, err
	}

	dek, err := v.userDEK(ctx, userID)
	if err != nil {
		return nil, err
	}

	plaintext, err := decrypt(dek, ciphertext, iv, tag)
	if err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, err, "decrypt credential %s/%s", userID, service)
	}

	if err := json.Unmarshal(plaintext, &cred.Payload); err != nil {
		return nil, faults.Wrap(faults.KindIntegrity, err, "parse credential payload")
	}

	v.touchLastUsed(ctx, userID, service)
	v.audit.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    audit.ActionCredentialRetrieved,
		Metadata:  map[string]any{"auth_type": cred.AuthType},
	})
	return cred, nil
}

// Has reports existence without decrypting or auditing.
func (v *Vault) Has(ctx context.Context, userID, service string) (bool, error) {
	service = NormalizeServiceID(service)
	if err := ValidateServiceID(service); err != nil {
		return false, err
	}

	var one int
	err := v.db.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE user_id = ? AND service_id = ?`,
		userID, service).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(faults.KindTransient, err, "query credential")
	}
	return true, nil
}

// Delete removes a credential and audits credential_deleted.
func (v *Vault) Delete(ctx context.Context, userID, service string) error {
	service = NormalizeServiceID(service)
	if err := ValidateServiceID(service); err != nil {
		return err
	}

	res, err := v.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND service_id = ?`,
		userID, service)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "delete credential")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("no credential for %s", service)
	}

	v.audit.Log(ctx, audit.Entry{
		UserID:    userID,
		ServiceID: service,
		Action:    audit.ActionCredentialDeleted,
	})
	return nil
}

// List returns metadata for a user's credentials. Encrypted material, tokens
// and secrets are structurally absent from the result.
func (v *Vault) List(ctx context.Context, userID string) ([]Metadata, error) {
	rows, err := v.db.QueryContext(ctx, `
	SELECT service_id, auth_type, scopes, expires_at, last_used_at, created_at, updated_at
	FROM credentials WHERE user_id = ?
	ORDER BY service_id`, userID)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "list credentials")
	}
	defer func() { _ = rows.Close() }()

	out := make([]Metadata, 0)
	now := time.Now().UTC()
	for rows.Next() {
		var (
			m                   Metadata
			scopes              sql.NullString
			expiresAt, lastUsed sql.NullString
			createdAt, updated  string
		)
		if err := rows.Scan(&m.Service, &m.AuthType, &scopes, &expiresAt, &lastUsed, &createdAt, &updated); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "scan credential row")
		}
		if scopes.Valid && scopes.String != "" {
			_ = json.Unmarshal([]byte(scopes.String), &m.Scopes)
		}
		if expiresAt.Valid {
			t := database.ParseTime(expiresAt.String)
			m.ExpiresAt = &t
		}
		if lastUsed.Valid {
			t := database.ParseTime(lastUsed.String)
			m.LastUsedAt = &t
		}
		m.CreatedAt = database.ParseTime(createdAt)
		m.UpdatedAt = database.ParseTime(updated)
		m.Status = deriveStatus(m.AuthType, m.ExpiresAt, now)
		out = append(out, m)
	}
	return out, rows.Err()
}

// StoreApp stores a shared adapter app credential under the system user.
func (v *Vault) StoreApp(ctx context.Context, service string, payload map[string]any) error {
	return v.Store(ctx, SystemUserID, service, AuthTypeAppOAuth, payload, nil)
}

// RetrieveApp retrieves a shared adapter app credential.
func (v *Vault) RetrieveApp(ctx context.Context, service string) (*Credential, error) {
	return v.Retrieve(ctx, SystemUserID, service)
}

// DeleteApp removes a shared adapter app credential.
func (v *Vault) DeleteApp(ctx context.Context, service string) error {
	return v.Delete(ctx, SystemUserID, service)
}

// userDEK returns the user's DEK, minting and wrapping one on first use.
// Concurrent first writers race on the insert; ON CONFLICT DO NOTHING makes
// the loser re-read the winner's row.
func (v *Vault) userDEK(ctx context.Context, userID string) ([]byte, error) {
	wrapped, keyID, err := v.getUserKey(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		dek := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, dek); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "mint dek")
		}

		wrapped, keyID, err := v.kms.WrapKey(ctx, dek)
		if err != nil {
			return nil, err
		}

		res, err := v.db.ExecContext(ctx, `
		INSERT INTO user_keys (user_id, encrypted_dek, kms_key_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
			userID, wrapped, keyID, database.FormatTime(time.Now()))
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "insert user key")
		}
		if n, _ := res.RowsAffected(); n == 1 {
			v.audit.Log(ctx, audit.Entry{
				UserID:    userID,
				ServiceID: "vault",
				Action:    audit.ActionKeyCreated,
				Metadata:  map[string]any{"kms_key_id": keyID},
			})
			return dek, nil
		}

		// Lost the race; use the stored key.
		wrapped2, keyID2, err := v.getUserKey(ctx, userID)
		if err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "reread user key")
		}
		return v.kms.UnwrapKey(ctx, wrapped2, keyID2)
	}
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "query user key")
	}

	return v.kms.UnwrapKey(ctx, wrapped, keyID)
}

func (v *Vault) getUserKey(ctx context.Context, userID string) (wrapped []byte, keyID string, err error) {
	err = v.db.QueryRowContext(ctx,
		`SELECT encrypted_dek, kms_key_id FROM user_keys WHERE user_id = ?`,
		userID).Scan(&wrapped, &keyID)
	return wrapped, keyID, err
}

func (v *Vault) getRow(ctx context.Context, userID, service string) (*Credential, []byte, []byte, []byte, error) {
	var (
		cred                 Credential
		ciphertext, iv, tag  []byte
		scopes               sql.NullString
		expiresAt, lastUsed  sql.NullString
		createdAt, updatedAt string
	)
	err := v.db.QueryRowContext(ctx, `
	SELECT user_id, service_id, auth_type, encrypted_payload, iv, auth_tag, scopes, expires_at, last_used_at, created_at, updated_at
	FROM credentials WHERE user_id = ? AND service_id = ?`, userID, service).Scan(
		&cred.UserID, &cred.Service, &cred.AuthType, &ciphertext, &iv, &tag,
		&scopes, &expiresAt, &lastUsed, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, nil, faults.NotFound("no credential for %s", service)
	}
	if err != nil {
		return nil, nil, nil, nil, faults.Wrap(faults.KindTransient, err, "query credential")
	}

	if scopes.Valid && scopes.String != "" {
		_ = json.Unmarshal([]byte(scopes.String), &cred.Scopes)
	}
	if expiresAt.Valid {
		t := database.ParseTime(expiresAt.String)
		cred.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := database.ParseTime(lastUsed.String)
		cred.LastUsedAt = &t
	}
	cred.CreatedAt = database.ParseTime(createdAt)
	cred.UpdatedAt = database.ParseTime(updatedAt)
	return &cred, ciphertext, iv, tag, nil
}

func (v *Vault) touchLastUsed(ctx context.Context, userID, service string) {
	now := database.FormatTime(time.Now())
	// Best-effort stamp; retrieval does not fail on it.
	_, _ = v.db.ExecContext(ctx,
		`UPDATE credentials SET last_used_at = ? WHERE user_id = ? AND service_id = ?`,
		now, userID, service)
}

// deriveStatus reports "expired" for OAuth credentials past their expiry,
// "active" otherwise.
func deriveStatus(authType string, expiresAt *time.Time, now time.Time) string {
	oauth := authType == AuthTypeOAuth2 || authType == AuthTypeAppOAuth
	if oauth && expiresAt != nil && now.After(*expiresAt) {
		return "expired"
	}
	return "active"
}

// payloadExpiry derives the expires_at column from an OAuth expires_in
// payload field, so listings can report expiry without decrypting.
func payloadExpiry(payload map[string]any, now time.Time) (time.Time, bool) {
	raw, ok := payload["expires_in"]
	if !ok {
		return time.Time{}, false
	}
	switch n := raw.(type) {
	case float64:
		return now.Add(time.Duration(n) * time.Second), true
	case int:
		return now.Add(time.Duration(n) * time.Second), true
	case int64:
		return now.Add(time.Duration(n) * time.Second), true
	case json.Number:
		if v, err := n.Int64(); err == nil {
			return now.Add(time.Duration(v) * time.Second), true
		}
	}
	return time.Time{}, false
}

// --- AES-256-GCM with split IV / auth tag columns ---

func encrypt(dek, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, nil, nil, faults.Wrap(faults.KindTransient, err, "aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, faults.Wrap(faults.KindTransient, err, "gcm")
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, faults.Wrap(faults.KindTransient, err, "generate iv")
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext = sealed[:len(sealed)-gcmTagSize]
	tag = sealed[len(sealed)-gcmTagSize:]
	return ciphertext, iv, tag, nil
}

func decrypt(dek, ciphertext, iv, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, errors.New("invalid iv length")
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}
