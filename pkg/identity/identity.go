// Package identity authenticates callers and owns the api_keys, sessions and
// users tables. A request is made by a Principal: an API key, or a session
// acting as its linked user.
package identity

import (
	"context"

	"github.com/agenr/agenr/pkg/faults"
)

// Scopes gate operations. Admin keys carry the wildcard scope.
const (
	ScopeDiscover = "discover"
	ScopeQuery    = "query"
	ScopeExecute  = "execute"
	ScopeGenerate = "generate"
	ScopeAll      = "*"
)

// Principal is the authenticated actor for a request.
type Principal interface {
	// PrincipalID identifies the caller for idempotency and rate limiting.
	PrincipalID() string

	// OwnerID is the identity credentials and sandbox adapters are stored
	// under: the linked user when one exists, else the caller itself.
	OwnerID() string

	HasScope(scope string) bool
	IsAdmin() bool
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom retrieves the Principal placed by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, faults.Unauthorized("no principal in context")
	}
	return p, nil
}

// RequireScope returns a Forbidden fault unless p carries scope. The message
// format is part of the API contract.
func RequireScope(p Principal, scope string) error {
	if p.HasScope(scope) {
		return nil
	}
	return faults.Forbidden("Missing required scope: %s", scope)
}
