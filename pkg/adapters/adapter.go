// Package adapters owns the platform adapter registry: the lifecycle of
// every adapter row, the two-layer public/scoped resolution, filesystem sync
// against the authoritative database copy, and hot-loading of declarative
// adapter specs.
package adapters

import (
	"context"
	"net/http"
	"time"
)

// Operations every adapter exposes.
const (
	OpDiscover = "discover"
	OpQuery    = "query"
	OpExecute  = "execute"
)

// Request is the uniform input to an adapter operation.
type Request struct {
	// BusinessID identifies the tenant the operation acts for.
	BusinessID string `json:"business_id"`
	// Capability names the platform action, e.g. "refund".
	Capability string `json:"capability,omitempty"`
	// Params are capability-specific inputs.
	Params map[string]any `json:"params,omitempty"`
	// Credential is the decrypted vault payload for the platform, when the
	// caller has one connected.
	Credential map[string]any `json:"-"`
}

// Result is the uniform output of an adapter operation.
type Result struct {
	Data map[string]any `json:"data"`
}

// Adapter is a platform-specific handler with three capabilities.
type Adapter interface {
	Manifest() *Manifest
	Discover(ctx context.Context, req Request) (*Result, error)
	Query(ctx context.Context, req Request) (*Result, error)
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Env is what an adapter factory gets to work with.
type Env struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

func (e Env) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Factory builds an adapter instance for an environment.
type Factory func(env Env) (Adapter, error)
