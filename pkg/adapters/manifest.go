package adapters

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agenr/agenr/pkg/faults"
)

// Manifest describes an adapter to the gateway.
type Manifest struct {
	Platform string     `json:"platform"`
	Version  string     `json:"version"`
	Auth     *AuthSpec  `json:"auth,omitempty"`
	Domains  DomainSpec `json:"domains,omitempty"`
}

// AuthSpec names the credential strategy the platform expects.
type AuthSpec struct {
	Type             string   `json:"type"`
	Scopes           []string `json:"scopes,omitempty"`
	AuthorizationURL string   `json:"authorization_url,omitempty"`
	TokenURL         string   `json:"token_url,omitempty"`
}

// DomainSpec bounds where the adapter may send requests.
type DomainSpec struct {
	Allowed       []string `json:"allowed,omitempty"`
	Authenticated []string `json:"authenticated,omitempty"`
}

// specSchema validates the whole adapter spec document at load time.
const specSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["manifest", "handlers"],
	"properties": {
		"manifest": {
			"type": "object",
			"required": ["platform", "version"],
			"properties": {
				"platform": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]{0,63}$"},
				"version": {"type": "string", "minLength": 1},
				"auth": {
					"type": "object",
					"required": ["type"],
					"properties": {
						"type": {"type": "string", "enum": ["api_key", "oauth2", "client_credentials", "cookie", "none"]},
						"scopes": {"type": "array", "items": {"type": "string"}},
						"authorization_url": {"type": "string"},
						"token_url": {"type": "string"}
					}
				},
				"domains": {
					"type": "object",
					"properties": {
						"allowed": {"type": "array", "items": {"type": "string"}},
						"authenticated": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		},
		"handlers": {
			"type": "object",
			"minProperties": 1,
			"propertyNames": {"enum": ["discover", "query", "execute"]},
			"additionalProperties": {
				"type": "object",
				"required": ["method", "url"],
				"properties": {
					"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
					"url": {"type": "string", "minLength": 1},
					"headers": {"type": "object", "additionalProperties": {"type": "string"}},
					"body": {},
					"response_path": {"type": "string"}
				}
			}
		},
		"transform": {
			"type": "object",
			"required": ["wasm_b64"],
			"properties": {
				"wasm_b64": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledSpecSchema = jsonschema.MustCompileString("adapter-spec.json", specSchema)

// validateSpecDocument runs the JSON-schema check over raw source.
func validateSpecDocument(source []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(source))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return faults.Wrap(faults.KindInvalid, err, "parse adapter spec")
	}
	// The schema checks the normalised platform, the same form the
	// manifest keeps, so " Toast" validates as toast.
	if root, ok := doc.(map[string]any); ok {
		if manifest, ok := root["manifest"].(map[string]any); ok {
			if platform, ok := manifest["platform"].(string); ok {
				manifest["platform"] = NormalizePlatform(platform)
			}
		}
	}
	if err := compiledSpecSchema.Validate(doc); err != nil {
		return faults.Wrap(faults.KindInvalid, err, "adapter spec schema")
	}
	return nil
}

// sanitizeOAuth drops the oauth block when its endpoints are not HTTPS. The
// manifest survives; the platform just cannot run a consent flow.
func (m *Manifest) sanitizeOAuth() {
	if m.Auth == nil || m.Auth.Type != "oauth2" {
		return
	}
	if !isHTTPS(m.Auth.AuthorizationURL) || !isHTTPS(m.Auth.TokenURL) {
		slog.Default().With("component", "adapters").Warn(
			"dropping oauth block with non-https endpoints", "platform", m.Platform)
		m.Auth = nil
	}
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

// NormalizePlatform applies the shared trim + lowercase gate.
func NormalizePlatform(platform string) string {
	return strings.ToLower(strings.TrimSpace(platform))
}
