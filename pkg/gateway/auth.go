package gateway

import (
	"net/http"
	"strings"

	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/identity"
)

// authenticate resolves the caller into a Principal. Failures are uniformly
// 401 so the response never reveals whether the key was absent, unknown or
// malformed.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if raw := r.Header.Get("x-api-key"); raw != "" {
			key, err := s.Keys.Resolve(ctx, raw)
			if err != nil {
				api.WriteFault(w, r, faults.Unauthorized("invalid credentials"))
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(ctx, key)))
			return
		}

		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimPrefix(header, "Bearer ")
			sess, err := s.Sessions.Validate(ctx, token)
			if err != nil {
				api.WriteFault(w, r, faults.Unauthorized("invalid credentials"))
				return
			}
			principal := &identity.SessionPrincipal{Session: sess}
			next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(ctx, principal)))
			return
		}

		api.WriteFault(w, r, faults.Unauthorized("authentication required"))
	})
}

// principal pulls the authenticated caller, writing the fault itself so
// handlers can bail with a bare return.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, err := identity.PrincipalFrom(r.Context())
	if err != nil {
		api.WriteFault(w, r, err)
		return nil, false
	}
	return p, true
}

// requireScope combines principal lookup and the scope gate.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope string) (identity.Principal, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return nil, false
	}
	if err := identity.RequireScope(p, scope); err != nil {
		api.WriteFault(w, r, err)
		return nil, false
	}
	return p, true
}

// requireAdmin gates operator-only surfaces.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, ok := s.principal(w, r)
	if !ok {
		return nil, false
	}
	if !p.IsAdmin() {
		api.WriteFault(w, r, faults.Forbidden("admin access required"))
		return nil, false
	}
	return p, true
}
