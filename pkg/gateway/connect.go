package gateway

import (
	"net/http"

	"github.com/agenr/agenr/pkg/adapters"
	"github.com/agenr/agenr/pkg/api"
	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/identity"
	"github.com/agenr/agenr/pkg/oauth"
	"github.com/agenr/agenr/pkg/vault"
)

func (s *Server) redirectURI(service string) string {
	return s.Config.BaseURL + "/connect/" + service + "/callback"
}

// connectManifest resolves the adapter manifest a connect flow needs. Only
// adapters declaring an oauth2 auth block can run the flow.
func (s *Server) connectManifest(service, ownerID string) (*adapters.Manifest, error) {
	adapter, err := s.Registry.Resolve(service, ownerID)
	if err != nil {
		return nil, err
	}
	manifest := adapter.Manifest()
	if manifest.Auth == nil || manifest.Auth.Type != vault.AuthTypeOAuth2 {
		return nil, faults.Invalid("service %s does not support oauth connect", service)
	}
	return manifest, nil
}

// handleConnectStart begins the consent flow: mint a state, build the
// authorization redirect, audit connection_started.
func (s *Server) handleConnectStart(w http.ResponseWriter, r *http.Request) {
	principal, ok := s.principal(w, r)
	if !ok {
		return
	}

	service := vault.NormalizeServiceID(r.PathValue("service"))
	if err := vault.ValidateServiceID(service); err != nil {
		api.WriteFault(w, r, err)
		return
	}

	manifest, err := s.connectManifest(service, principal.OwnerID())
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	app, err := s.Vault.RetrieveApp(r.Context(), service)
	if err != nil {
		if faults.IsNotFound(err) {
			err = faults.Invalid("no app credential configured for %s", service)
		}
		api.WriteFault(w, r, err)
		return
	}
	clientID, _ := app.Payload["client_id"].(string)
	if clientID == "" {
		api.WriteFault(w, r, faults.Invalid("app credential for %s has no client_id", service))
		return
	}

	state, err := s.States.Create(r.Context(), principal.OwnerID(), service, "")
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	target, err := oauth.BuildAuthorizeURL(
		manifest.Auth.AuthorizationURL, clientID, s.redirectURI(service), state, manifest.Auth.Scopes)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}

	s.Audit.Log(r.Context(), audit.Entry{
		UserID:    principal.OwnerID(),
		ServiceID: service,
		Action:    audit.ActionConnectionStarted,
		IPAddress: r.RemoteAddr,
	})

	http.Redirect(w, r, target, http.StatusFound)
}

// handleConnectCallback finishes the flow: consume the state, exchange the
// code, store the credential. It is unauthenticated; the state row is the
// proof of who started the flow.
func (s *Server) handleConnectCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := vault.NormalizeServiceID(r.PathValue("service"))
	query := r.URL.Query()

	state, err := s.States.Consume(ctx, query.Get("state"))
	if err != nil {
		api.WriteFault(w, r, faults.Wrap(faults.KindInvalid, err, "connect state"))
		return
	}
	if state.Service != service {
		api.WriteFault(w, r, faults.Invalid("state does not match service"))
		return
	}

	failed := func(cause error) {
		s.Audit.Log(ctx, audit.Entry{
			UserID:    state.UserID,
			ServiceID: service,
			Action:    audit.ActionConnectionFailed,
			Metadata:  map[string]any{"reason": cause.Error()},
		})
		api.WriteFault(w, r, cause)
	}

	if upstream := query.Get("error"); upstream != "" {
		failed(faults.Invalid("authorization was denied: %s", upstream))
		return
	}
	code := query.Get("code")
	if code == "" {
		failed(faults.Invalid("missing authorization code"))
		return
	}

	manifest, err := s.connectManifest(service, state.UserID)
	if err != nil {
		failed(err)
		return
	}
	app, err := s.Vault.RetrieveApp(ctx, service)
	if err != nil {
		failed(err)
		return
	}
	clientID, _ := app.Payload["client_id"].(string)
	clientSecret, _ := app.Payload["client_secret"].(string)

	token, err := s.Refresh.Exchange(ctx,
		manifest.Auth.TokenURL, code, state.CodeVerifier, clientID, clientSecret, s.redirectURI(service))
	if err != nil {
		failed(err)
		return
	}

	payload := map[string]any{
		"access_token": token.AccessToken,
		"token_url":    manifest.Auth.TokenURL,
		"client_id":    clientID,
	}
	if clientSecret != "" {
		payload["client_secret"] = clientSecret
	}
	if token.RefreshToken != "" {
		payload["refresh_token"] = token.RefreshToken
	}
	if token.ExpiresIn > 0 {
		payload["expires_in"] = float64(token.ExpiresIn)
	}
	if token.Scope != "" {
		payload["scope"] = token.Scope
	}

	if err := s.Vault.Store(ctx, state.UserID, service, vault.AuthTypeOAuth2, payload, manifest.Auth.Scopes); err != nil {
		failed(err)
		return
	}

	// A returned id_token lets us fill in the user's profile.
	if token.IDToken != "" && s.Users != nil {
		if claims, err := identity.ClaimsFromIDToken(token.IDToken); err == nil {
			if _, err := s.Users.Upsert(ctx, service, claims.Subject, claims.Email, claims.Name); err != nil {
				s.log.Warn("upsert user from id_token", "service", service, "error", err)
			}
		}
	}

	s.Audit.Log(ctx, audit.Entry{
		UserID:    state.UserID,
		ServiceID: service,
		Action:    audit.ActionConnectionCompleted,
	})

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"service":   service,
	})
}
