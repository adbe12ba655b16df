package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/kms"
	"github.com/agenr/agenr/pkg/vault"
)

func setupRefresher(t *testing.T) (*Refresher, *vault.Vault, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	manager, err := kms.NewLocalKMS(filepath.Join(t.TempDir(), "keystore.json"))
	if err != nil {
		t.Fatal(err)
	}
	auditLog := audit.NewLogger(db)
	v := vault.New(db, manager, auditLog)
	return NewRefresher(v, auditLog), v, db
}

func tokenEndpoint(t *testing.T, hits *atomic.Int64, response TokenResponse) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %s", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("content-type = %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNearExpiryTriggersRefresh(t *testing.T) {
	r, v, db := setupRefresher(t)
	ctx := context.Background()

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, TokenResponse{
		AccessToken: "at-new",
		ExpiresIn:   3600,
	})

	if err := v.Store(ctx, "user-1", "toast", vault.AuthTypeOAuth2, map[string]any{
		"access_token":  "at-old",
		"refresh_token": "rt-1",
		"expires_in":    float64(1),
		"token_url":     srv.URL,
		"client_id":     "cid",
		"client_secret": "cs",
	}, nil); err != nil {
		t.Fatal(err)
	}

	cred, err := r.Retrieve(ctx, "user-1", "toast", false)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Payload["access_token"] != "at-new" {
		t.Errorf("access_token = %v", cred.Payload["access_token"])
	}
	// Refresh token preserved when the endpoint omits it.
	if cred.Payload["refresh_token"] != "rt-1" {
		t.Errorf("refresh_token = %v", cred.Payload["refresh_token"])
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits = %d", hits.Load())
	}

	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_audit_log WHERE action = 'credential_rotated'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("credential_rotated rows = %d, want 1", n)
	}

	// Second retrieval is inside the fresh window; no HTTP.
	if _, err := r.Retrieve(ctx, "user-1", "toast", false); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 1 {
		t.Errorf("token endpoint hits after second retrieve = %d", hits.Load())
	}
}

func TestFreshTokenSkipsRefresh(t *testing.T) {
	r, v, _ := setupRefresher(t)
	ctx := context.Background()

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, TokenResponse{AccessToken: "at-new", ExpiresIn: 3600})

	if err := v.Store(ctx, "user-1", "toast", vault.AuthTypeOAuth2, map[string]any{
		"access_token":  "at",
		"refresh_token": "rt",
		"expires_in":    float64(3600),
		"token_url":     srv.URL,
	}, nil); err != nil {
		t.Fatal(err)
	}

	cred, err := r.Retrieve(ctx, "user-1", "toast", false)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Payload["access_token"] != "at" {
		t.Errorf("access_token = %v", cred.Payload["access_token"])
	}
	if hits.Load() != 0 {
		t.Errorf("token endpoint hits = %d, want 0", hits.Load())
	}
}

func TestForceSkipsNonOAuthTypes(t *testing.T) {
	r, v, _ := setupRefresher(t)
	ctx := context.Background()

	var hits atomic.Int64
	srv := tokenEndpoint(t, &hits, TokenResponse{AccessToken: "x"})

	if err := v.Store(ctx, "user-1", "toast", vault.AuthTypeAPIKey, map[string]any{
		"api_key":   "k",
		"token_url": srv.URL,
	}, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Retrieve(ctx, "user-1", "toast", true); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 0 {
		t.Errorf("token endpoint hits = %d, want 0 for non-oauth", hits.Load())
	}
}

func TestFailedRefreshKeepsCredential(t *testing.T) {
	r, v, db := setupRefresher(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	if err := v.Store(ctx, "user-1", "toast", vault.AuthTypeOAuth2, map[string]any{
		"access_token":  "at-old",
		"refresh_token": "rt",
		"expires_in":    float64(1),
		"token_url":     srv.URL,
	}, nil); err != nil {
		t.Fatal(err)
	}

	cred, err := r.Retrieve(ctx, "user-1", "toast", false)
	if err != nil {
		t.Fatal(err)
	}
	if cred.Payload["access_token"] != "at-old" {
		t.Errorf("access_token = %v, want old value kept", cred.Payload["access_token"])
	}

	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credential_audit_log WHERE action = 'credential_rotated'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("credential_rotated rows = %d, want 0 after failed refresh", n)
	}

	// Forced refresh surfaces the failure instead of silently returning.
	if _, err := r.Retrieve(ctx, "user-1", "toast", true); !faults.IsTransient(err) {
		t.Errorf("forced refresh err = %v, want transient", err)
	}
}

func TestStateStoreSingleUseAndTTL(t *testing.T) {
	_, _, db := setupRefresher(t)
	ctx := context.Background()
	states := NewStateStore(db)

	state, err := states.Create(ctx, "user-1", "toast", "verifier")
	if err != nil {
		t.Fatal(err)
	}

	row, err := states.Consume(ctx, state)
	if err != nil {
		t.Fatal(err)
	}
	if row.UserID != "user-1" || row.Service != "toast" || row.CodeVerifier != "verifier" {
		t.Errorf("state row = %+v", row)
	}

	if _, err := states.Consume(ctx, state); !faults.IsNotFound(err) {
		t.Errorf("second consume err = %v, want not found", err)
	}

	// Expired state fails closed even before the sweeper runs.
	stale, err := states.Create(ctx, "user-1", "toast", "")
	if err != nil {
		t.Fatal(err)
	}
	old := database.FormatTime(time.Now().Add(-11 * time.Minute))
	if _, err := db.ExecContext(ctx, `UPDATE oauth_states SET created_at = ? WHERE state = ?`, old, stale); err != nil {
		t.Fatal(err)
	}
	if _, err := states.Consume(ctx, stale); !faults.IsExpired(err) {
		t.Errorf("expired consume err = %v, want expired", err)
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	u, err := BuildAuthorizeURL("https://auth.example.com/authorize", "cid", "https://gw/callback", "st-1", []string{"orders.read", "menu.read"})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"response_type=code", "client_id=cid", "state=st-1", "orders.read"} {
		if !strings.Contains(u, want) {
			t.Errorf("url %s missing %s", u, want)
		}
	}

	if _, err := BuildAuthorizeURL("http://insecure.example.com/auth", "cid", "r", "s", nil); !faults.IsInvalid(err) {
		t.Errorf("http authorize url err = %v, want invalid", err)
	}
}
