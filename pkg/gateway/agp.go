package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/observability"
	"github.com/agenr/agenr/pkg/policy"
)

const maxBodyBytes = 1 << 20

// agpRequest is the body of every adapter operation.
type agpRequest struct {
	Platform          string         `json:"platform"`
	BusinessID        string         `json:"business_id"`
	Request           map[string]any `json:"request"`
	ConfirmationToken string         `json:"confirmation_token,omitempty"`
}

// agpResponse is the uniform operation result. The nonce is fresh per actual
// execution; an idempotent replay returns the cached nonce.
type agpResponse struct {
	TransactionID string         `json:"transaction_id"`
	Nonce         string         `json:"nonce"`
	Data          map[string]any `json:"data"`
}

func decodeAGP(w http.ResponseWriter, r *http.Request) (*agpRequest, bool) {
	var req agpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return nil, false
	}
	req.Platform = adapters.NormalizePlatform(req.Platform)
	if req.Platform == "" {
		api.WriteFault(w, r, faults.Invalid("platform is required"))
		return nil, false
	}
	if req.BusinessID == "" {
		api.WriteFault(w, r, faults.Invalid("business_id is required"))
		return nil, false
	}
	return &req, true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, identity.ScopeExecute)
	if !ok {
		return
	}
	req, ok := decodeAGP(w, r)
	if !ok {
		return
	}

	// The header is the primary carrier for the confirmation token; the
	// body field remains as a fallback for older clients.
	token := r.Header.Get("x-confirmation-token")
	if token == "" {
		token = req.ConfirmationToken
	}

	if err := s.Policy.Check(r.Context(), policy.ExecuteInput{
		BusinessID:        req.BusinessID,
		Request:           req.Request,
		ConfirmationToken: token,
	}); err != nil {
		api.WriteFault(w, r, err)
		return
	}

	s.runOperation(w, r, principal, adapters.OpExecute, req)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, identity.ScopeDiscover)
	if !ok {
		return
	}
	req, ok := decodeAGP(w, r)
	if !ok {
		return
	}
	s.runOperation(w, r, principal, adapters.OpDiscover, req)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.requireScope(w, r, identity.ScopeQuery)
	if !ok {
		return
	}
	req, ok := decodeAGP(w, r)
	if !ok {
		return
	}
	s.runOperation(w, r, principal, adapters.OpQuery, req)
}

// runOperation is the shared adapter pipeline: resolve, load credential,
// call, journal.
func (s *Server) runOperation(w http.ResponseWriter, r *http.Request, principal identity.Principal, op string, req *agpRequest) {
	ctx := r.Context()

	var opErr error
	if s.Obs != nil {
		var done func(error)
		ctx, done = s.Obs.Track(ctx, "agp."+op, observability.Operation(op, req.Platform)...)
		defer func() { done(opErr) }()
	}

	adapter, err := s.Registry.Resolve(req.Platform, principal.OwnerID())
	if err != nil {
		opErr = err
		api.WriteFault(w, r, err)
		return
	}

	adapterReq := adapters.Request{
		BusinessID: req.BusinessID,
		Params:     req.Request,
	}
	if capability, ok := req.Request["capability"].(string); ok {
		adapterReq.Capability = capability
	}
	if cred, err := s.Refresh.Retrieve(ctx, principal.OwnerID(), req.Platform, false); err == nil {
		adapterReq.Credential = cred.Payload
	} else if !faults.IsNotFound(err) {
		opErr = err
		api.WriteFault(w, r, err)
		return
	}

	txID, err := s.Journal.Begin(ctx, op, req.BusinessID, principal.PrincipalID(), req)
	if err != nil {
		opErr = err
		api.WriteFault(w, r, err)
		return
	}

	var result *adapters.Result
	switch op {
	case adapters.OpDiscover:
		result, err = adapter.Discover(ctx, adapterReq)
	case adapters.OpQuery:
		result, err = adapter.Query(ctx, adapterReq)
	default:
		result, err = adapter.Execute(ctx, adapterReq)
	}
	if err != nil {
		opErr = err
		if failErr := s.Journal.Fail(ctx, txID, err); failErr != nil {
			s.log.Error("journal fail write", "transaction_id", txID, "error", failErr)
		}
		api.WriteFault(w, r, err)
		return
	}

	if err := s.Journal.Complete(ctx, txID, result.Data); err != nil {
		s.log.Error("journal complete write", "transaction_id", txID, "error", err)
	}

	api.WriteJSON(w, http.StatusOK, agpResponse{
		TransactionID: txID,
		Nonce:         uuid.New().String(),
		Data:          result.Data,
	})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireScope(w, r, identity.ScopeExecute); !ok {
		return
	}

	var req struct {
		BusinessID string         `json:"business_id"`
		Request    map[string]any `json:"request"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "decode request body"))
		return
	}
	if req.BusinessID == "" {
		api.WriteFault(w, r, faults.Invalid("business_id is required"))
		return
	}

	conf, err := s.Confirm.Prepare(r.Context(), req.BusinessID, req.Request)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"confirmation_token": conf.Token,
		"summary":            conf.Summary,
		"expires_at":         conf.ExpiresAt,
	})
}

func (s *Server) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	tx, err := s.Journal.Get(r.Context(), r.PathValue("id"), principal.PrincipalID())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, tx)
}

func (s *Server) handleTransactionsList(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}
	list, err := s.Journal.List(r.Context(), principal.PrincipalID(), queryInt(r, "limit", 0))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"transactions": emptySlice(list)})
}

// emptySlice keeps JSON list responses as [] rather than null.
func emptySlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
