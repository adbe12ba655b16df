// Package gateway is the HTTP boundary: routing, authentication and the
// handlers that compose the stores into the public surface. Everything below
// it is transport-agnostic; everything HTTP-shaped lives here.
package gateway

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/adapters/generation"
	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/config"
	"github.com/agenr/agenr/pkg/idempotency"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/oauth"
	"github.com/agenr/agenr/pkg/observability"
	"github.com/agenr/agenr/pkg/policy"
	"github.com/agenr/agenr/pkg/transactions"
	"github.com/agenr/agenr/pkg/vault"
)

// Deps is everything the server composes. The root composition point fills
// it; tests fill only what they exercise.
type Deps struct {
	Config   *config.Config
	DB       *sql.DB
	Keys     *identity.KeyStore
	Sessions *identity.SessionStore
	Users    *identity.UserStore
	Vault    *vault.Vault
	Refresh  *oauth.Refresher
	States   *oauth.StateStore
	Audit    *audit.Logger
	Verifier *audit.Verifier
	Exporter *audit.Exporter
	Adapters *adapters.Store
	Registry *adapters.Registry
	Jobs     *generation.Store
	Journal  *transactions.Store
	Confirm  *policy.ConfirmationStore
	Policy   policy.Policy
	Idem     idempotency.Store
	Limiter  api.Limiter
	Obs      *observability.Provider
}

// Server serves the gateway surface.
type Server struct {
	Deps
	log *slog.Logger
}

func NewServer(deps Deps) *Server {
	return &Server{
		Deps: deps,
		log:  slog.Default().With("component", "gateway"),
	}
}

// Handler assembles the full middleware chain and route table.
func (s *Server) Handler() http.Handler {
	protected := http.NewServeMux()

	protected.HandleFunc("POST /agp/execute", s.handleExecute)
	protected.HandleFunc("POST /agp/discover", s.handleDiscover)
	protected.HandleFunc("POST /agp/query", s.handleQuery)
	protected.HandleFunc("POST /agp/prepare", s.handlePrepare)

	protected.HandleFunc("POST /connect/{service}", s.handleConnectStart)

	protected.HandleFunc("GET /credentials", s.handleCredentialsList)
	protected.HandleFunc("POST /credentials/{service}", s.handleCredentialStore)
	protected.HandleFunc("DELETE /credentials/{service}", s.handleCredentialDelete)
	protected.HandleFunc("GET /credentials/{service}/activity", s.handleCredentialActivity)

	protected.HandleFunc("GET /app-credentials/{service}", s.handleAppCredentialGet)
	protected.HandleFunc("POST /app-credentials/{service}", s.handleAppCredentialStore)
	protected.HandleFunc("DELETE /app-credentials/{service}", s.handleAppCredentialDelete)

	protected.HandleFunc("GET /adapters", s.handleAdaptersList)
	protected.HandleFunc("POST /adapters/generate", s.handleGenerate)
	protected.HandleFunc("GET /adapters/jobs", s.handleJobsList)
	protected.HandleFunc("GET /adapters/jobs/{id}", s.handleJobGet)
	protected.HandleFunc("GET /adapters/reviews", s.handleReviewsList)
	protected.HandleFunc("GET /adapters/archived", s.handleArchivedList)
	protected.HandleFunc("POST /adapters/{platform}/upload", s.handleAdapterUpload)
	protected.HandleFunc("POST /adapters/{platform}/submit", s.handleAdapterSubmit)
	protected.HandleFunc("POST /adapters/{platform}/withdraw", s.handleAdapterWithdraw)
	protected.HandleFunc("POST /adapters/{platform}/promote", s.handleAdapterPromote)
	protected.HandleFunc("POST /adapters/{platform}/demote", s.handleAdapterDemote)
	protected.HandleFunc("POST /adapters/{platform}/reject", s.handleAdapterReject)
	protected.HandleFunc("POST /adapters/{platform}/restore", s.handleAdapterRestore)
	protected.HandleFunc("DELETE /adapters/{platform}", s.handleAdapterArchive)
	protected.HandleFunc("DELETE /adapters/{platform}/hard", s.handleAdapterHardDelete)

	protected.HandleFunc("GET /audit/verify", s.handleAuditVerify)
	protected.HandleFunc("POST /audit/export", s.handleAuditExport)

	protected.HandleFunc("GET /transactions", s.handleTransactionsList)
	protected.HandleFunc("GET /transactions/{id}", s.handleTransactionGet)

	inner := api.Chain(protected, s.authenticate, s.rateLimit, s.idempotent)

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", s.handleHealth)
	root.HandleFunc("GET /connect/{service}/callback", s.handleConnectCallback)
	root.Handle("/", inner)

	return api.Chain(root, api.RequestID, api.AccessLog)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.Limiter == nil {
		return next
	}
	return api.RateLimit(s.Limiter)(next)
}

func (s *Server) idempotent(next http.Handler) http.Handler {
	if s.Idem == nil {
		return next
	}
	return idempotency.Middleware(s.Idem)(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		if err := s.DB.PingContext(r.Context()); err != nil {
			api.WriteProblem(w, r, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
