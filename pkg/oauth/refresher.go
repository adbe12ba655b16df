// Package oauth keeps stored OAuth credentials fresh and runs the server
// side of the connect flow: state issuance, authorize-URL construction and
// code exchange. The consent UI itself lives outside the gateway.
package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agenr/agenr/pkg/audit"
	"github.com/agenr/agenr/pkg/faults"
	"github.com/agenr/agenr/pkg/vault"
)

// refreshWindow is how close to expiry a token may get before retrieval
// triggers a refresh.
const refreshWindow = 60 * time.Second

// TokenResponse is the token endpoint's JSON body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Refresher refreshes OAuth2 credentials near expiry.
type Refresher struct {
	vault      *vault.Vault
	audit      *audit.Logger
	httpClient *http.Client
	logger     *slog.Logger
}

func NewRefresher(v *vault.Vault, auditLog *audit.Logger) *Refresher {
	return &Refresher{
		vault:      v,
		audit:      auditLog,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "oauth"),
	}
}

// WithHTTPClient overrides the token-endpoint client, for tests.
func (r *Refresher) WithHTTPClient(c *http.Client) *Refresher {
	r.httpClient = c
	return r
}

// Retrieve returns the credential, refreshing it first when it is an OAuth2
// credential within the refresh window (or force is set). Non-OAuth types
// never trigger an outbound call, force or not.
func (r *Refresher) Retrieve(ctx context.Context, userID, service string, force bool) (*vault.Credential, error) {
	cred, err := r.vault.Retrieve(ctx, userID, service)
	if err != nil {
		return nil, err
	}

	if cred.AuthType != vault.AuthTypeOAuth2 {
		return cred, nil
	}
	refreshToken, _ := cred.Payload["refresh_token"].(string)
	if refreshToken == "" {
		return cred, nil
	}
	if !force && !nearExpiry(cred, time.Now()) {
		return cred, nil
	}

	refreshed, err := r.refresh(ctx, cred, refreshToken)
	if err != nil {
		// The stored credential stands; a failed refresh is not a rotation.
		r.logger.Warn("token refresh failed", "service", service, "error", err)
		if force {
			return nil, err
		}
		return cred, nil
	}
	return refreshed, nil
}

// refresh posts the refresh_token grant and rotates the stored credential on
// success. The refresh token is preserved when the endpoint omits it.
func (r *Refresher) refresh(ctx context.Context, cred *vault.Credential, refreshToken string) (*vault.Credential, error) {
	tokenURL, _ := cred.Payload["token_url"].(string)
	if tokenURL == "" {
		return nil, faults.Invalid("credential has no token_url")
	}
	clientID, _ := cred.Payload["client_id"].(string)
	clientSecret, _ := cred.Payload["client_secret"].(string)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}

	token, err := r.postToken(ctx, tokenURL, form)
	if err != nil {
		return nil, err
	}

	payload := mergeTokenPayload(cred.Payload, token)
	if err := r.vault.Rotate(ctx, cred.UserID, cred.Service, vault.AuthTypeOAuth2, payload, cred.Scopes); err != nil {
		return nil, err
	}

	updated := *cred
	updated.Payload = payload
	now := time.Now().UTC()
	updated.UpdatedAt = now
	if token.ExpiresIn > 0 {
		exp := now.Add(time.Duration(token.ExpiresIn) * time.Second)
		updated.ExpiresAt = &exp
	}
	return &updated, nil
}

// Exchange trades an authorization code for tokens at the service's token
// endpoint.
func (r *Refresher) Exchange(ctx context.Context, tokenURL, code, codeVerifier, clientID, clientSecret, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {clientID},
	}
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	return r.postToken(ctx, tokenURL, form)
}

func (r *Refresher) postToken(ctx context.Context, tokenURL string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "token endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, faults.Transient("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, faults.Wrap(faults.KindTransient, err, "decode token response")
	}
	if token.AccessToken == "" {
		return nil, faults.Transient("token endpoint returned no access_token")
	}
	return &token, nil
}

// nearExpiry reports whether the credential's remaining lifetime, computed
// from its stored expires_in and the last write time, is within the window.
// A credential with no expires_in never expires.
func nearExpiry(cred *vault.Credential, now time.Time) bool {
	expiresIn, ok := numberField(cred.Payload, "expires_in")
	if !ok {
		return false
	}
	remaining := expiresIn - now.Sub(cred.UpdatedAt).Seconds()
	return remaining <= refreshWindow.Seconds()
}

// mergeTokenPayload builds the rotated payload: new token material over the
// old payload, keeping endpoint configuration and preserving the refresh
// token when the response omits one.
func mergeTokenPayload(old map[string]any, token *TokenResponse) map[string]any {
	payload := make(map[string]any, len(old)+4)
	for k, v := range old {
		payload[k] = v
	}
	payload["access_token"] = token.AccessToken
	if token.RefreshToken != "" {
		payload["refresh_token"] = token.RefreshToken
	}
	if token.ExpiresIn > 0 {
		payload["expires_in"] = float64(token.ExpiresIn)
	}
	if token.TokenType != "" {
		payload["token_type"] = token.TokenType
	}
	if token.Scope != "" {
		payload["scope"] = token.Scope
	}
	return payload
}

func numberField(payload map[string]any, key string) (float64, bool) {
	switch n := payload[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if v, err := n.Float64(); err == nil {
			return v, true
		}
	}
	return 0, false
}

// BuildAuthorizeURL assembles the user-facing authorization redirect.
func BuildAuthorizeURL(authorizationURL, clientID, redirectURI, state string, scopes []string) (string, error) {
	u, err := url.Parse(authorizationURL)
	if err != nil {
		return "", faults.Wrap(faults.KindInvalid, err, "parse authorization url")
	}
	if u.Scheme != "https" {
		return "", faults.Invalid("authorization url must be https")
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	q.Set("access_type", "offline")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
