package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/identity"
)

func platformParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	platform := adapters.NormalizePlatform(r.PathValue("platform"))
	if platform == "" {
		api.WriteFault(w, r, faults.Invalid("platform is required"))
		return "", false
	}
	return platform, true
}

// syncRegistry refreshes the in-memory registry after a lifecycle change. A
// failed sync leaves a stale cache, which the next sync repairs.
func (s *Server) syncRegistry(ctx context.Context) {
	if err := s.Registry.Sync(ctx); err != nil {
		s.log.Warn("registry sync", "error", err)
	}
}

func (s *Server) handleAdaptersList(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.Adapters.List(r.Context(), principal.OwnerID(), principal.IsAdmin())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"adapters": emptySlice(list)})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, identity.ScopeGenerate)
	if !ok {
		return
	}

	var req struct {
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	platform := adapters.NormalizePlatform(req.Platform)
	if platform == "" {
		api.WriteFault(w, r, faults.Invalid("platform is required"))
		return
	}

	jobID, err := s.Jobs.Enqueue(r.Context(), platform, principal.OwnerID())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": "queued"})
}

func (s *Server) handleJobsList(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	jobs, err := s.Jobs.List(r.Context(), principal.OwnerID(),
		queryInt(r, "limit", 0), queryTime(r, "before"), r.URL.Query().Get("before_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"jobs": emptySlice(jobs)})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	job, err := s.Jobs.Get(r.Context(), r.PathValue("id"), principal.OwnerID())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, job)
}

func (s *Server) handleReviewsList(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	list, err := s.Adapters.ListByStatus(r.Context(), adapters.StatusReview)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"reviews": emptySlice(list)})
}

func (s *Server) handleArchivedList(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.Adapters.ListByStatus(r.Context(), adapters.StatusArchived)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if !principal.IsAdmin() {
		var own []*adapters.Record
		for _, record := range list {
			if record.OwnerID == principal.OwnerID() {
				own = append(own, record)
			}
		}
		list = own
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"archived": emptySlice(list)})
}

func (s *Server) handleAdapterUpload(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, identity.ScopeGenerate)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}

	source, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "read adapter source"))
		return
	}

	record, err := s.Adapters.Upload(r.Context(), platform, principal.OwnerID(), source)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	api.WriteJSON(w, http.StatusCreated, record)
}

func (s *Server) handleAdapterSubmit(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message,omitempty"`
	}
	// An empty body is a valid submission with no note.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)

	if err := s.Adapters.Submit(r.Context(), platform, principal.OwnerID(), req.Message); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusReview})
}

func (s *Server) handleAdapterWithdraw(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Adapters.Withdraw(r.Context(), platform, principal.OwnerID()); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusSandbox})
}

func (s *Server) handleAdapterPromote(w http.ResponseWriter, r *http.Request) {
	admin, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}

	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	if req.OwnerID == "" {
		api.WriteFault(w, r, faults.Invalid("owner_id is required"))
		return
	}

	if err := s.Adapters.Promote(r.Context(), platform, req.OwnerID, admin.PrincipalID()); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusPublic})
}

func (s *Server) handleAdapterDemote(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Adapters.Demote(r.Context(), platform); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusSandbox})
}

func (s *Server) handleAdapterReject(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}

	var req struct {
		OwnerID  string `json:"owner_id"`
		Feedback string `json:"feedback,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	if req.OwnerID == "" {
		api.WriteFault(w, r, faults.Invalid("owner_id is required"))
		return
	}

	if err := s.Adapters.Reject(r.Context(), platform, req.OwnerID, req.Feedback); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusSandbox})
}

func (s *Server) handleAdapterRestore(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Adapters.Restore(r.Context(), platform, s.targetOwner(r, principal)); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusSandbox})
}

func (s *Server) handleAdapterArchive(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Adapters.Archive(r.Context(), platform, s.targetOwner(r, principal)); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	api.WriteJSON(w, http.StatusOK, map[string]any{"status": adapters.StatusArchived})
}

func (s *Server) handleAdapterHardDelete(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	platform, ok := platformParam(w, r)
	if !ok {
		return
	}
	if err := s.Adapters.HardDelete(r.Context(), platform, s.targetOwner(r, principal)); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	s.syncRegistry(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// targetOwner is the adapter slot an operation acts on: the caller's own,
// unless an admin names someone else's.
func (s *Server) targetOwner(r *http.Request, principal identity.Principal) string {
	if principal.IsAdmin() {
		if owner := r.URL.Query().Get("owner_id"); owner != "" {
			return owner
		}
	}
	return principal.OwnerID()
}
