package gateway

import (
	"net/http"

	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/faults"
)

// handleAuditVerify re-walks the chain: the whole chain for admins, the
// caller's own chain for everyone else.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	var (
		report any
		err    error
	)
	if principal.IsAdmin() {
		report, err = s.Verifier.VerifyChain(r.Context())
	} else {
		report, err = s.Verifier.VerifyUserChain(r.Context(), principal.OwnerID())
	}
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}

// handleAuditExport builds an evidence bundle of the caller's chain and puts
// it in the archive store. Admins export the full chain.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	if s.Exporter == nil {
		api.WriteFault(w, r, faults.Transient("no archive store configured"))
		return
	}

	userID := principal.OwnerID()
	if principal.IsAdmin() {
		userID = r.URL.Query().Get("user_id")
	}

	bundle, err := s.Exporter.Export(r.Context(), userID)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, bundle)
}
