package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/vault"
)

func serviceParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	service := vault.NormalizeServiceID(r.PathValue("service"))
	if err := vault.ValidateServiceID(service); err != nil {
		api.WriteFault(w, r, err)
		return "", false
	}
	return service, true
}

func (s *Server) handleCredentialsList(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.Vault.List(r.Context(), principal.OwnerID())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"credentials": emptySlice(list)})
}

func (s *Server) handleCredentialStore(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	var req struct {
		AuthType string         `json:"auth_type"`
		Payload  map[string]any `json:"payload"`
		Scopes   []string       `json:"scopes,omitempty"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	if req.AuthType == "" || len(req.Payload) == 0 {
		api.WriteFault(w, r, faults.Invalid("auth_type and payload are required"))
		return
	}

	if err := s.Vault.Store(r.Context(), principal.OwnerID(), service, req.AuthType, req.Payload, req.Scopes); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{"stored": true, "service": service})
}

func (s *Server) handleCredentialDelete(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}
	if err := s.Vault.Delete(r.Context(), principal.OwnerID(), service); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCredentialActivity(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	entries, err := s.Verifier.Activity(r.Context(),
		principal.OwnerID(), service, queryInt(r, "limit", 0), queryTime(r, "before"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"activity": emptySlice(entries)})
}

func (s *Server) handleAppCredentialStore(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	if len(req.Payload) == 0 {
		api.WriteFault(w, r, faults.Invalid("payload is required"))
		return
	}

	if err := s.Vault.StoreApp(r.Context(), service, req.Payload); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{"stored": true, "service": service})
}

func (s *Server) handleAppCredentialGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}
	cred, err := s.Vault.RetrieveApp(r.Context(), service)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, cred)
}

func (s *Server) handleAppCredentialDelete(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	service, ok := serviceParam(w, r)
	if !ok {
		return
	}
	if err := s.Vault.DeleteApp(r.Context(), service); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
