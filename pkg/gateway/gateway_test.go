package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/adapters/generation"
	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/database"
	"github.com/agenr/agenr/pkg/idempotency"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/kms"
	"github.com/agenr/agenr/pkg/oauth"
	"github.com/agenr/agenr/pkg/policy"
	"github.com/agenr/agenr/pkg/transactions"
	"github.com/agenr/agenr/pkg/vault"
)

type testEnv struct {
	server   *httptest.Server
	db       *sql.DB
	deps     Deps
	adminKey string
	userKey  string
	adminID  string
	userID   string
}

func setupEnv(t *testing.T, execPolicy config.ExecutePolicy) *testEnv {
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

	cfg := &config.Config{
		BaseURL:       "http://gateway.test",
		ExecutePolicy: execPolicy,
	}

	auditLog := audit.NewLogger(db)
	v := vault.New(db, manager, auditLog)
	base := t.TempDir()
	adapterStore := adapters.NewStore(db, adapters.Dirs{
		Public:  filepath.Join(base, "adapters"),
		Runtime: filepath.Join(base, "runtime"),
	}, nil)
	registry := adapters.NewRegistry(adapterStore, adapters.Env{})
	confirmations := policy.NewConfirmationStore(db)
	pol, err := policy.FromConfig(cfg, confirmations)
	if err != nil {
		t.Fatal(err)
	}

	keys := identity.NewKeyStore(db)
	adminRow, adminRaw, err := keys.Create(ctx, identity.TierAdmin, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	userRow, userRaw, err := keys.Create(ctx, identity.TierFree, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	idem := idempotency.NewSQLiteStore(db, 0)

	deps := Deps{
		Config:   cfg,
		DB:       db,
		Keys:     keys,
		Sessions: identity.NewSessionStore(db),
		Users:    identity.NewUserStore(db),
		Vault:    v,
		Refresh:  oauth.NewRefresher(v, auditLog),
		States:   oauth.NewStateStore(db),
		Audit:    auditLog,
		Verifier: audit.NewVerifier(db),
		Adapters: adapterStore,
		Registry: registry,
		Jobs:     generation.NewStore(db),
		Journal:  transactions.NewStore(db),
		Confirm:  confirmations,
		Policy:   pol,
		Idem:     idem,
	}

	server := httptest.NewServer(NewServer(deps).Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		server:   server,
		db:       db,
		deps:     deps,
		adminKey: adminRaw,
		userKey:  userRaw,
		adminID:  adminRow.ID,
		userID:   userRow.ID,
	}
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// installAdapter uploads and promotes an adapter whose handlers point at the
// upstream test server.
func (e *testEnv) installAdapter(t *testing.T, platform string, upstream *httptest.Server) {
	t.Helper()
	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	source := fmt.Sprintf(`{
		"manifest": {"platform": %q, "version": "1.0.0", "domains": {"allowed": [%q]}},
		"handlers": {
			"discover": {"method": "GET", "url": "%s/capabilities"},
			"query": {"method": "GET", "url": "%s/q"},
			"execute": {"method": "POST", "url": "%s/do"}
		}
	}`, platform, u.Hostname(), upstream.URL, upstream.URL, upstream.URL)

	ctx := context.Background()
	if _, err := e.deps.Adapters.Upload(ctx, platform, e.userID, []byte(source)); err != nil {
		t.Fatal(err)
	}
	if err := e.deps.Adapters.Promote(ctx, platform, e.userID, e.adminID); err != nil {
		t.Fatal(err)
	}
	if err := e.deps.Registry.Sync(ctx); err != nil {
		t.Fatal(err)
	}
}

func countingUpstream(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = fmt.Fprintf(w, `{"ok": true, "hit": %d}`, hits)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func TestHealthzIsPublic(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)
	resp, body := env.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	resp, _ := env.do(t, http.MethodGet, "/credentials", "", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/credentials", "agenr_free_deadbeef", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad key = %d", resp.StatusCode)
	}
	// The response does not reveal why authentication failed.
	if detail, _ := body["detail"].(string); strings.Contains(detail, "unknown") {
		t.Errorf("detail leaks cause: %q", detail)
	}

	resp, _ = env.do(t, http.MethodGet, "/credentials", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good key = %d", resp.StatusCode)
	}
}

func TestScopeGate(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	// Free-tier keys do not carry the generate scope.
	resp, body := env.do(t, http.MethodPost, "/adapters/generate", env.userKey,
		map[string]any{"platform": "toast"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["detail"] != "Missing required scope: generate" {
		t.Errorf("detail = %v", body["detail"])
	}

	resp, _ = env.do(t, http.MethodPost, "/adapters/generate", env.adminKey,
		map[string]any{"platform": "toast"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("admin status = %d", resp.StatusCode)
	}
}

func TestExecutePipeline(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)
	upstream, hits := countingUpstream(t)
	env.installAdapter(t, "toast", upstream)

	resp, body := env.do(t, http.MethodPost, "/agp/execute", env.userKey, map[string]any{
		"platform":    "toast",
		"business_id": "biz-1",
		"request":     map[string]any{"capability": "refund", "amount_cents": 50},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if *hits != 1 {
		t.Errorf("upstream hits = %d", *hits)
	}
	if body["nonce"] == "" || body["transaction_id"] == "" {
		t.Errorf("body = %v", body)
	}

	// The journal recorded the operation as completed, scoped to the key.
	txID, _ := body["transaction_id"].(string)
	tx, err := env.deps.Journal.Get(context.Background(), txID, env.userID)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != transactions.StatusCompleted || tx.Operation != transactions.OpExecute {
		t.Errorf("tx = %+v", tx)
	}

	resp, _ = env.do(t, http.MethodGet, "/transactions/"+txID, env.userKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get transaction = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/transactions/"+txID, env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-key transaction get = %d", resp.StatusCode)
	}
}

func TestExecuteUnknownPlatform(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)
	resp, _ := env.do(t, http.MethodPost, "/agp/execute", env.userKey, map[string]any{
		"platform":    "nowhere",
		"business_id": "biz-1",
		"request":     map[string]any{},
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestConfirmationRoundTrip(t *testing.T) {
	env := setupEnv(t, config.PolicyConfirm)
	upstream, _ := countingUpstream(t)
	env.installAdapter(t, "stripe", upstream)

	request := map[string]any{"capability": "refund", "amount_cents": 250}

	// Without a token the execute is refused.
	resp, _ := env.do(t, http.MethodPost, "/agp/execute", env.userKey, map[string]any{
		"platform":    "stripe",
		"business_id": "stripe",
		"request":     request,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("tokenless execute = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodPost, "/agp/prepare", env.userKey, map[string]any{
		"business_id": "stripe",
		"request":     request,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare = %d %v", resp.StatusCode, body)
	}
	token, _ := body["confirmation_token"].(string)
	if !strings.HasPrefix(token, "cfm_") {
		t.Fatalf("token = %q", token)
	}

	execute := map[string]any{
		"platform":           "stripe",
		"business_id":        "stripe",
		"request":            request,
		"confirmation_token": token,
	}
	resp, _ = env.do(t, http.MethodPost, "/agp/execute", env.userKey, execute, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirmed execute = %d", resp.StatusCode)
	}

	// The token is burned; a second use is refused.
	resp, _ = env.do(t, http.MethodPost, "/agp/execute", env.userKey, execute, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("token reuse = %d", resp.StatusCode)
	}
}

func TestConfirmationTokenViaHeader(t *testing.T) {
	env := setupEnv(t, config.PolicyConfirm)
	upstream, _ := countingUpstream(t)
	env.installAdapter(t, "stripe", upstream)

	request := map[string]any{"capability": "refund", "amount_cents": 250}
	resp, body := env.do(t, http.MethodPost, "/agp/prepare", env.userKey, map[string]any{
		"business_id": "stripe",
		"request":     request,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prepare = %d %v", resp.StatusCode, body)
	}
	token, _ := body["confirmation_token"].(string)

	// The token travels in the request header, not the body.
	execute := map[string]any{
		"platform":    "stripe",
		"business_id": "stripe",
		"request":     request,
	}
	headers := map[string]string{"x-confirmation-token": token}
	resp, _ = env.do(t, http.MethodPost, "/agp/execute", env.userKey, execute, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header-confirmed execute = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/agp/execute", env.userKey, execute, headers)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("header token reuse = %d", resp.StatusCode)
	}
}

func TestConfirmationRejectsAlteredRequest(t *testing.T) {
	env := setupEnv(t, config.PolicyConfirm)
	upstream, _ := countingUpstream(t)
	env.installAdapter(t, "stripe", upstream)

	resp, body := env.do(t, http.MethodPost, "/agp/prepare", env.userKey, map[string]any{
		"business_id": "stripe",
		"request":     map[string]any{"amount_cents": 250},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	token, _ := body["confirmation_token"].(string)

	resp, _ = env.do(t, http.MethodPost, "/agp/execute", env.userKey, map[string]any{
		"platform":           "stripe",
		"business_id":        "stripe",
		"request":            map[string]any{"amount_cents": 9999},
		"confirmation_token": token,
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("altered request = %d", resp.StatusCode)
	}
}

func TestIdempotencyCrossPrincipalIsolation(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)
	upstream, hits := countingUpstream(t)
	env.installAdapter(t, "toast", upstream)

	body := map[string]any{
		"platform":    "toast",
		"business_id": "biz-1",
		"request":     map[string]any{"capability": "refund"},
	}
	headers := map[string]string{"Idempotency-Key": "shared-key"}

	resp, first := env.do(t, http.MethodPost, "/agp/execute", env.userKey, body, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first = %d", resp.StatusCode)
	}
	resp, second := env.do(t, http.MethodPost, "/agp/execute", env.adminKey, body, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second = %d", resp.StatusCode)
	}

	// Both principals executed for real: two upstream hits, distinct nonces.
	if *hits != 2 {
		t.Errorf("upstream hits = %d, want 2", *hits)
	}
	if first["nonce"] == second["nonce"] {
		t.Error("nonces collide across principals")
	}

	// Same principal replays from cache: no third execution, same nonce.
	resp, replay := env.do(t, http.MethodPost, "/agp/execute", env.userKey, body, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay = %d", resp.StatusCode)
	}
	if *hits != 2 {
		t.Errorf("replay hit upstream, hits = %d", *hits)
	}
	if replay["nonce"] != first["nonce"] {
		t.Error("replay returned a fresh nonce")
	}
	if resp.Header.Get("Idempotency-Replayed") != "true" {
		t.Error("replay header missing")
	}
}

func TestCredentialLifecycleOverHTTP(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	resp, _ := env.do(t, http.MethodPost, "/credentials/square", env.userKey, map[string]any{
		"auth_type": "api_key",
		"payload":   map[string]any{"api_key": "sq-secret-123"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("store = %d", resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/credentials", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	creds, _ := body["credentials"].([]any)
	if len(creds) != 1 {
		t.Fatalf("credentials = %v", body)
	}
	// Listing never includes decrypted material.
	raw, _ := json.Marshal(body)
	if strings.Contains(string(raw), "sq-secret-123") {
		t.Error("list leaked credential payload")
	}

	// Another key sees nothing.
	resp, body = env.do(t, http.MethodGet, "/credentials", env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	if creds, _ := body["credentials"].([]any); len(creds) != 0 {
		t.Errorf("cross-key credentials = %v", creds)
	}

	resp, body = env.do(t, http.MethodGet, "/credentials/square/activity", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity = %d", resp.StatusCode)
	}
	raw, _ = json.Marshal(body)
	if strings.Contains(string(raw), "user_id") || strings.Contains(string(raw), "ip_address") {
		t.Errorf("activity leaks private columns: %s", raw)
	}

	resp, _ = env.do(t, http.MethodDelete, "/credentials/square", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete = %d", resp.StatusCode)
	}
}

func TestAppCredentialsAdminOnly(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	payload := map[string]any{"payload": map[string]any{"client_id": "abc", "client_secret": "xyz"}}
	resp, _ := env.do(t, http.MethodPost, "/app-credentials/square", env.userKey, payload, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-admin store = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodPost, "/app-credentials/square", env.adminKey, payload, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin store = %d", resp.StatusCode)
	}
	resp, body := env.do(t, http.MethodGet, "/app-credentials/square", env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin get = %d", resp.StatusCode)
	}
	if body["auth_type"] != "app_oauth" {
		t.Errorf("auth_type = %v", body["auth_type"])
	}
	resp, _ = env.do(t, http.MethodDelete, "/app-credentials/square", env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("admin delete = %d", resp.StatusCode)
	}
}

func TestAdapterLifecycleOverHTTP(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	source := `{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": ["api.example.com"]}},
		"handlers": {"discover": {"method": "GET", "url": "https://api.example.com/capabilities"}}
	}`

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/adapters/toast/upload", strings.NewReader(source))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-api-key", env.adminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload = %d", resp.StatusCode)
	}

	r2, _ := env.do(t, http.MethodPost, "/adapters/toast/submit", env.adminKey,
		map[string]any{"message": "please review"}, nil)
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("submit = %d", r2.StatusCode)
	}

	r3, body := env.do(t, http.MethodGet, "/adapters/reviews", env.adminKey, nil, nil)
	if r3.StatusCode != http.StatusOK {
		t.Fatalf("reviews = %d", r3.StatusCode)
	}
	if reviews, _ := body["reviews"].([]any); len(reviews) != 1 {
		t.Errorf("reviews = %v", body)
	}

	r4, _ := env.do(t, http.MethodPost, "/adapters/toast/promote", env.adminKey,
		map[string]any{"owner_id": env.adminID}, nil)
	if r4.StatusCode != http.StatusOK {
		t.Fatalf("promote = %d", r4.StatusCode)
	}

	// The promoted adapter is publicly visible to any key.
	r5, body := env.do(t, http.MethodGet, "/adapters", env.userKey, nil, nil)
	if r5.StatusCode != http.StatusOK {
		t.Fatal(r5.StatusCode)
	}
	if list, _ := body["adapters"].([]any); len(list) != 1 {
		t.Errorf("adapters = %v", body)
	}
}

func TestAuditVerifyScoping(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	// Generate audit entries for the user via a credential write.
	resp, _ := env.do(t, http.MethodPost, "/credentials/square", env.userKey, map[string]any{
		"auth_type": "api_key",
		"payload":   map[string]any{"api_key": "k"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatal(resp.StatusCode)
	}

	resp, body := env.do(t, http.MethodGet, "/audit/verify", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify = %d", resp.StatusCode)
	}
	if body["valid"] != true {
		t.Errorf("report = %v", body)
	}
	if n, _ := body["total_entries"].(float64); n < 1 {
		t.Errorf("user chain entries = %v", body["total_entries"])
	}

	resp, body = env.do(t, http.MethodGet, "/audit/verify", env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Errorf("admin verify = %d %v", resp.StatusCode, body)
	}
}

func TestGenerationJobOverHTTP(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	resp, body := env.do(t, http.MethodPost, "/adapters/generate", env.adminKey,
		map[string]any{"platform": "toast"}, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate = %d", resp.StatusCode)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("body = %v", body)
	}

	resp, body = env.do(t, http.MethodGet, "/adapters/jobs/"+jobID, env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "queued" {
		t.Errorf("job get = %d %v", resp.StatusCode, body)
	}

	// Another key cannot see the job.
	resp, _ = env.do(t, http.MethodGet, "/adapters/jobs/"+jobID, env.userKey, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-key job get = %d", resp.StatusCode)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	resp, _ := env.do(t, http.MethodGet, "/healthz", "", nil,
		map[string]string{"X-Request-ID": "req-from-caller"})
	if got := resp.Header.Get("X-Request-ID"); got != "req-from-caller" {
		t.Errorf("request id = %q", got)
	}
}

func TestConnectRequiresAppCredential(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	source := `{
		"manifest": {
			"platform": "square",
			"version": "1.0.0",
			"auth": {
				"type": "oauth2",
				"authorization_url": "https://auth.square.test/authorize",
				"token_url": "https://auth.square.test/token"
			},
			"domains": {"allowed": ["api.square.test"]}
		},
		"handlers": {"discover": {"method": "GET", "url": "https://api.square.test/capabilities"}}
	}`
	ctx := context.Background()
	if _, err := env.deps.Adapters.Upload(ctx, "square", env.userID, []byte(source)); err != nil {
		t.Fatal(err)
	}
	if err := env.deps.Registry.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	// No app credential stored yet, so the flow cannot start.
	resp, _ := env.do(t, http.MethodPost, "/connect/square", env.userKey, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("connect without app cred = %d", resp.StatusCode)
	}

	if err := env.deps.Vault.StoreApp(ctx, "square", map[string]any{
		"client_id": "app-1", "client_secret": "shh",
	}); err != nil {
		t.Fatal(err)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/connect/square", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("x-api-key", env.userKey)
	resp2, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusFound {
		t.Fatalf("connect = %d", resp2.StatusCode)
	}

	target, err := url.Parse(resp2.Header.Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	if target.Host != "auth.square.test" {
		t.Errorf("redirect host = %s", target.Host)
	}
	q := target.Query()
	if q.Get("client_id") != "app-1" || q.Get("state") == "" {
		t.Errorf("authorize query = %v", q)
	}
	if q.Get("redirect_uri") != "http://gateway.test/connect/square/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
}

func TestConnectCallbackDeniedIsAudited(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)
	ctx := context.Background()

	state, err := env.deps.States.Create(ctx, "user-7", "square", "")
	if err != nil {
		t.Fatal(err)
	}

	// The upstream provider declined consent.
	resp, _ := env.do(t, http.MethodGet,
		"/connect/square/callback?error=access_denied&state="+state, "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("callback = %d", resp.StatusCode)
	}

	var action string
	err = env.db.QueryRow(`
		SELECT action FROM credential_audit_log
		WHERE user_id = ? AND service_id = ?`, "user-7", "square").Scan(&action)
	if err != nil {
		t.Fatal(err)
	}
	if action != audit.ActionConnectionFailed {
		t.Errorf("action = %q", action)
	}

	// The consumed state cannot be replayed.
	resp, _ = env.do(t, http.MethodGet,
		"/connect/square/callback?code=c&state="+state, "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed state = %d", resp.StatusCode)
	}
}

func TestJobListPaginationParams(t *testing.T) {
	env := setupEnv(t, config.PolicyOpen)

	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, http.MethodPost, "/adapters/generate", env.adminKey,
			map[string]any{"platform": fmt.Sprintf("p%d", i)}, nil)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatal(resp.StatusCode)
		}
	}

	resp, body := env.do(t, http.MethodGet, "/adapters/jobs?limit=2", env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 2 {
		t.Fatalf("jobs = %v", body)
	}

	last, _ := jobs[1].(map[string]any)
	created, _ := last["created_at"].(string)
	if _, err := time.Parse(time.RFC3339Nano, created); err != nil {
		t.Fatalf("created_at = %q: %v", created, err)
	}
	resp, body = env.do(t, http.MethodGet,
		"/adapters/jobs?limit=2&before="+url.QueryEscape(created)+"&before_id="+last["id"].(string),
		env.adminKey, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatal(resp.StatusCode)
	}
	if jobs, _ := body["jobs"].([]any); len(jobs) != 1 {
		t.Errorf("second page = %v", body)
	}
}
