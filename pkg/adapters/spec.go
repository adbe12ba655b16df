package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/agenr/agenr/pkg/adapters/sandbox"
	"github.com/agenr/agenr/pkg/faults"
)

// Spec is the declarative adapter source format: a manifest, a handler table
// mapping operations to HTTP request templates, and an optional WASM
// transform applied to responses. Generated and uploaded adapters are spec
// documents, never arbitrary code.
type Spec struct {
	Manifest  Manifest           `json:"manifest"`
	Handlers  map[string]Handler `json:"handlers"`
	Transform *Transform         `json:"transform,omitempty"`
}

// Handler is one operation's HTTP request template. Placeholders of the form
// {{business_id}}, {{params.<key>}} and {{credential.<key>}} are expanded
// per request.
type Handler struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ResponsePath string            `json:"response_path,omitempty"`
}

// Transform is a WASM hook run over the upstream response, stdin to stdout,
// inside the deny-by-default sandbox.
type Transform struct {
	WasmB64 string `json:"wasm_b64"`
}

// ParseSpec validates and decodes adapter source. The platform is
// normalised and a non-HTTPS oauth block is dropped.
func ParseSpec(source []byte) (*Spec, error) {
	if err := validateSpecDocument(source); err != nil {
		return nil, err
	}
	var spec Spec
	if err := json.Unmarshal(source, &spec); err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "decode adapter spec")
	}
	spec.Manifest.Platform = NormalizePlatform(spec.Manifest.Platform)
	spec.Manifest.sanitizeOAuth()

	if spec.Transform != nil {
		if _, err := base64.StdEncoding.DecodeString(spec.Transform.WasmB64); err != nil {
			return nil, faults.Wrap(faults.KindInvalid, err, "decode transform wasm")
		}
	}
	return &spec, nil
}

// Compile turns a parsed spec into an adapter factory.
func Compile(spec *Spec) Factory {
	return func(env Env) (Adapter, error) {
		a := &httpAdapter{spec: spec, client: env.client()}
		if spec.Transform != nil {
			wasm, err := base64.StdEncoding.DecodeString(spec.Transform.WasmB64)
			if err != nil {
				return nil, faults.Wrap(faults.KindInvalid, err, "decode transform wasm")
			}
			a.wasm = wasm
			a.sandbox = sandbox.New()
		}
		return a, nil
	}
}

// httpAdapter executes handler templates against the platform API.
type httpAdapter struct {
	spec    *Spec
	client  *http.Client
	wasm    []byte
	sandbox *sandbox.Runner
}

func (a *httpAdapter) Manifest() *Manifest { return &a.spec.Manifest }

func (a *httpAdapter) Discover(ctx context.Context, req Request) (*Result, error) {
	return a.do(ctx, OpDiscover, req)
}

func (a *httpAdapter) Query(ctx context.Context, req Request) (*Result, error) {
	return a.do(ctx, OpQuery, req)
}

func (a *httpAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	return a.do(ctx, OpExecute, req)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z0-9_.]+)\s*\}\}`)

func (a *httpAdapter) do(ctx context.Context, op string, req Request) (*Result, error) {
	handler, ok := a.spec.Handlers[op]
	if !ok {
		return nil, faults.NotFound("adapter %s does not implement %s", a.spec.Manifest.Platform, op)
	}

	target, err := expand(handler.URL, req)
	if err != nil {
		return nil, err
	}
	if err := a.checkDomain(target); err != nil {
		return nil, err
	}

	var body io.Reader
	if len(handler.Body) > 0 {
		rendered, err := expand(string(handler.Body), req)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(rendered)
	}

	httpReq, err := http.NewRequestWithContext(ctx, handler.Method, target, body)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "build %s request", op)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for name, tmpl := range handler.Headers {
		value, err := expand(tmpl, req)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "%s %s call", a.spec.Manifest.Platform, op)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "read %s response", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, faults.Transient("%s %s returned %d", a.spec.Manifest.Platform, op, resp.StatusCode)
	}

	if a.wasm != nil {
		raw, err = a.sandbox.Run(ctx, a.wasm, raw)
		if err != nil {
			return nil, err
		}
	}

	var data map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, faults.Wrap(faults.KindTransient, err, "decode %s response", op)
		}
	}
	if handler.ResponsePath != "" {
		data = digPath(data, handler.ResponsePath)
	}
	return &Result{Data: data}, nil
}

// checkDomain enforces the manifest's allowed-domain list. An empty list
// means the adapter declared no outbound surface and gets none.
func (a *httpAdapter) checkDomain(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return faults.Wrap(faults.KindInvalid, err, "parse handler url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return faults.Invalid("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	for _, allowed := range a.spec.Manifest.Domains.Allowed {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return faults.Forbidden("domain %s is not in the adapter's allowed list", host)
}

// expand substitutes {{...}} placeholders from the request. Unknown
// placeholders are an error rather than an empty string.
func expand(tmpl string, req Request) (string, error) {
	var expandErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := lookup(path, req)
		if !ok {
			expandErr = faults.Invalid("unknown placeholder %q in adapter handler", path)
			return match
		}
		return value
	})
	return out, expandErr
}

func lookup(path string, req Request) (string, bool) {
	switch {
	case path == "business_id":
		return req.BusinessID, true
	case path == "capability":
		return req.Capability, true
	case strings.HasPrefix(path, "params."):
		return stringify(dig(req.Params, strings.TrimPrefix(path, "params.")))
	case strings.HasPrefix(path, "credential."):
		return stringify(dig(req.Credential, strings.TrimPrefix(path, "credential.")))
	}
	return "", false
}

func dig(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, part := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func digPath(data map[string]any, path string) map[string]any {
	v, ok := dig(data, path)
	if !ok {
		return data
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"value": v}
}

func stringify(v any, ok bool) (string, bool) {
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		raw, _ := json.Marshal(t)
		return string(raw), true
	case bool:
		return fmt.Sprintf("%t", t), true
	case nil:
		return "", true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(bytes.TrimSpace(raw)), true
	}
}
