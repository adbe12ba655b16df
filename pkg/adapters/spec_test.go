package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/agenr/agenr/pkg/faults"
)

func TestParseSpecNormalizesPlatform(t *testing.T) {
	spec, err := ParseSpec(specSource(" Toast", "1.0.0"))
	if err != nil {
		t.Fatal(err)
	}
	if spec.Manifest.Platform != "toast" {
		t.Errorf("platform = %q", spec.Manifest.Platform)
	}
}

func TestParseSpecRejections(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"manifest"`,
		"missing handlers": `{"manifest": {"platform": "toast", "version": "1.0.0"}}`,
		"empty handlers":   `{"manifest": {"platform": "toast", "version": "1.0.0"}, "handlers": {}}`,
		"unknown op": `{"manifest": {"platform": "toast", "version": "1.0.0"},
			"handlers": {"delete_everything": {"method": "GET", "url": "https://x"}}}`,
		"bad method": `{"manifest": {"platform": "toast", "version": "1.0.0"},
			"handlers": {"query": {"method": "TRACE", "url": "https://x"}}}`,
		"bad platform": `{"manifest": {"platform": "Has Spaces", "version": "1.0.0"},
			"handlers": {"query": {"method": "GET", "url": "https://x"}}}`,
		"bad wasm": `{"manifest": {"platform": "toast", "version": "1.0.0"},
			"handlers": {"query": {"method": "GET", "url": "https://x"}},
			"transform": {"wasm_b64": "not base64!!!"}}`,
	}
	for name, source := range cases {
		if _, err := ParseSpec([]byte(source)); !faults.IsInvalid(err) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestParseSpecDropsInsecureOAuth(t *testing.T) {
	source := []byte(`{
		"manifest": {
			"platform": "toast",
			"version": "1.0.0",
			"auth": {
				"type": "oauth2",
				"authorization_url": "http://auth.example.com/authorize",
				"token_url": "https://auth.example.com/token"
			}
		},
		"handlers": {"query": {"method": "GET", "url": "https://api.example.com/q"}}
	}`)
	spec, err := ParseSpec(source)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Manifest.Auth != nil {
		t.Error("insecure oauth block survived")
	}

	secure := []byte(strings.ReplaceAll(string(source), "http://auth", "https://auth"))
	spec, err = ParseSpec(secure)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Manifest.Auth == nil || spec.Manifest.Auth.Type != "oauth2" {
		t.Error("secure oauth block dropped")
	}
}

func serveSpec(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	return server, u.Hostname()
}

func compileSpec(t *testing.T, source string) Adapter {
	t.Helper()
	spec, err := ParseSpec([]byte(source))
	if err != nil {
		t.Fatal(err)
	}
	adapter, err := Compile(spec)(Env{})
	if err != nil {
		t.Fatal(err)
	}
	return adapter
}

func TestHandlerExpandsPlaceholders(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	server, host := serveSpec(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		_, _ = w.Write([]byte(`{"ok": true}`))
	})

	adapter := compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": [%q]}},
		"handlers": {
			"execute": {
				"method": "POST",
				"url": "%s/v1/{{business_id}}/actions?cap={{capability}}",
				"headers": {"Authorization": "Bearer {{credential.access_token}}"},
				"body": {"order": "{{params.order_id}}"}
			}
		}
	}`, host, server.URL))

	result, err := adapter.Execute(context.Background(), Request{
		BusinessID: "biz-9",
		Capability: "refund",
		Params:     map[string]any{"order_id": "ord-1"},
		Credential: map[string]any{"access_token": "tok-123"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Data["ok"] != true {
		t.Errorf("result = %+v", result.Data)
	}
	if gotPath != "/v1/biz-9/actions?cap=refund" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if !strings.Contains(gotBody, `"ord-1"`) {
		t.Errorf("body = %q", gotBody)
	}
}

func TestUnknownPlaceholderFails(t *testing.T) {
	server, host := serveSpec(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach upstream")
	})

	adapter := compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": [%q]}},
		"handlers": {"query": {"method": "GET", "url": "%s/v1/{{params.missing}}"}}
	}`, host, server.URL))

	_, err := adapter.Query(context.Background(), Request{BusinessID: "biz-9"})
	if !faults.IsInvalid(err) {
		t.Errorf("err = %v", err)
	}
}

func TestDomainAllowlist(t *testing.T) {
	server, _ := serveSpec(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	// The allowlist names a different host than the handler targets.
	adapter := compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": ["api.example.com"]}},
		"handlers": {"query": {"method": "GET", "url": "%s/v1/q"}}
	}`, server.URL))

	_, err := adapter.Query(context.Background(), Request{BusinessID: "biz-9"})
	if !faults.IsForbidden(err) {
		t.Errorf("off-list host err = %v", err)
	}

	// An empty allowlist denies all outbound traffic.
	adapter = compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0"},
		"handlers": {"query": {"method": "GET", "url": "%s/v1/q"}}
	}`, server.URL))

	_, err = adapter.Query(context.Background(), Request{BusinessID: "biz-9"})
	if !faults.IsForbidden(err) {
		t.Errorf("empty allowlist err = %v", err)
	}
}

func TestSubdomainsOfAllowedDomainPass(t *testing.T) {
	adapter := compileSpec(t, `{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": ["example.com"]}},
		"handlers": {"query": {"method": "GET", "url": "https://api.example.com/q"}}
	}`)
	ha := adapter.(*httpAdapter)

	if err := ha.checkDomain("https://api.example.com/q"); err != nil {
		t.Errorf("subdomain err = %v", err)
	}
	if err := ha.checkDomain("https://example.com/q"); err != nil {
		t.Errorf("exact err = %v", err)
	}
	if err := ha.checkDomain("https://notexample.com/q"); !faults.IsForbidden(err) {
		t.Errorf("suffix trick err = %v", err)
	}
	if err := ha.checkDomain("ftp://example.com/q"); !faults.IsInvalid(err) {
		t.Errorf("scheme err = %v", err)
	}
}

func TestMissingOperationIsNotFound(t *testing.T) {
	adapter := compileSpec(t, `{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": ["example.com"]}},
		"handlers": {"query": {"method": "GET", "url": "https://api.example.com/q"}}
	}`)

	_, err := adapter.Execute(context.Background(), Request{BusinessID: "biz-9"})
	if !faults.IsNotFound(err) {
		t.Errorf("err = %v", err)
	}
}

func TestResponsePathUnwraps(t *testing.T) {
	server, host := serveSpec(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"result": {"total": 42}}}`))
	})

	adapter := compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": [%q]}},
		"handlers": {"query": {"method": "GET", "url": "%s/v1/q", "response_path": "data.result"}}
	}`, host, server.URL))

	result, err := adapter.Query(context.Background(), Request{BusinessID: "biz-9"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Data["total"] != float64(42) {
		t.Errorf("data = %+v", result.Data)
	}
}

func TestUpstreamErrorIsTransient(t *testing.T) {
	server, host := serveSpec(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	adapter := compileSpec(t, fmt.Sprintf(`{
		"manifest": {"platform": "toast", "version": "1.0.0", "domains": {"allowed": [%q]}},
		"handlers": {"query": {"method": "GET", "url": "%s/v1/q"}}
	}`, host, server.URL))

	_, err := adapter.Query(context.Background(), Request{BusinessID: "biz-9"})
	if !faults.IsTransient(err) {
		t.Errorf("err = %v", err)
	}
}

func TestStringifyParamTypes(t *testing.T) {
	got, ok := lookup("params.count", Request{Params: map[string]any{"count": json.Number("7")}})
	if !ok || got != "7" {
		t.Errorf("number = %q, %v", got, ok)
	}
	got, ok = lookup("params.nested.flag", Request{Params: map[string]any{"nested": map[string]any{"flag": true}}})
	if !ok || got != "true" {
		t.Errorf("bool = %q, %v", got, ok)
	}
	if _, ok := lookup("params.absent", Request{}); ok {
		t.Error("absent param resolved")
	}
}
