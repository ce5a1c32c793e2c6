package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"onemcp/pkg/logging"
)

// Handler serves the authorization-server surface: metadata discovery,
// dynamic client registration, the authorization-code flow with PKCE, and
// token issuance. Consent is auto-approved; this proxy fronts servers the
// operator already configured, not arbitrary third parties.
type Handler struct {
	store    *FileStore
	issuer   string
	tokenTTL time.Duration
	codeTTL  time.Duration
	limiter  *RateLimiter
}

// NewHandler creates the OAuth handler. issuer is the externally reachable
// base URL of this proxy; zero TTLs fall back to the defaults.
func NewHandler(store *FileStore, issuer string, tokenTTL, codeTTL time.Duration, limiter *RateLimiter) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	if codeTTL <= 0 {
		codeTTL = DefaultCodeTTL
	}
	if limiter == nil {
		limiter = NewRateLimiter(0, 0)
	}
	return &Handler{
		store:    store,
		issuer:   strings.TrimSuffix(issuer, "/"),
		tokenTTL: tokenTTL,
		codeTTL:  codeTTL,
		limiter:  limiter,
	}
}

// Routes mounts the OAuth endpoints on the given router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.serveMetadata)
	r.Get("/.well-known/oauth-protected-resource", h.serveResourceMetadata)
	r.Post("/register", h.handleRegister)
	r.Get("/authorize", h.handleAuthorize)
	r.Post("/token", h.handleToken)
	r.Post("/revoke", h.handleRevoke)
}

// ValidateToken resolves a bearer token to its live session. Middleware
// maps a failure to 401 invalid_token.
func (h *Handler) ValidateToken(token string) (*Session, error) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return nil, ErrNotFound
	}
	return h.store.GetSession(token)
}

func (h *Handler) serveMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Metadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + "/authorize",
		TokenEndpoint:                     h.issuer + "/token",
		RegistrationEndpoint:              h.issuer + "/register",
		RevocationEndpoint:                h.issuer + "/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
	})
}

func (h *Handler) serveResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ResourceMetadata{
		Resource:               h.issuer,
		AuthorizationServers:   []string{h.issuer},
		BearerMethodsSupported: []string{"header"},
	})
}

// handleRegister implements RFC 7591 dynamic registration with automatic
// approval.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.AllowRequest(r) {
		writeError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}

	var req struct {
		ClientName              string   `json:"client_name"`
		RedirectURIs            []string `json:"redirect_uris"`
		GrantTypes              []string `json:"grant_types"`
		ResponseTypes           []string `json:"response_types"`
		TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
		Scope                   string   `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed registration document")
		return
	}
	// An empty document is a valid registration: clients that omit
	// redirect_uris bind their redirect URI at authorize time instead.
	for _, uri := range req.RedirectURIs {
		if _, err := url.ParseRequestURI(uri); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
			return
		}
	}

	now := time.Now()
	client := &ClientRegistration{
		ClientID:                NewClientID(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
		CreatedAt:               now,
		ExpiresAt:               now.Add(clientTTL),
	}
	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{"authorization_code"}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = []string{"code"}
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = "none"
	}

	if err := h.store.PutClient(client); err != nil {
		logging.Error("OAuth", err, "Failed to persist client registration")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to store client")
		return
	}

	logging.Info("OAuth", "Registered client %s (%s)", client.ClientID, client.ClientName)
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        now.Unix(),
		"client_name":                client.ClientName,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
	})
}

// handleAuthorize validates the authorization request, stages it, and
// auto-approves: the staged request is immediately converted into a code
// and the client redirected back.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.AllowRequest(r) {
		writeError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}

	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		writeError(w, http.StatusBadRequest, "invalid_request", "response_type must be code")
		return
	}

	client, err := h.store.GetClient(q.Get("client_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.RedirectURIAllowed(redirectURI) {
		writeError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		return
	}
	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if method == "" && challenge != "" {
		method = "plain"
	}
	if method != "" && method != "S256" && method != "plain" {
		writeError(w, http.StatusBadRequest, "invalid_request", "unsupported code_challenge_method")
		return
	}
	if method != "" && challenge == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code_challenge is required")
		return
	}

	now := time.Now()
	request := &AuthRequest{
		ID:                  uuid.NewString(),
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Resource:            q.Get("resource"),
		Scopes:              strings.Fields(q.Get("scope")),
		State:               q.Get("state"),
		CreatedAt:           now,
		ExpiresAt:           now.Add(h.codeTTL),
	}
	if err := h.store.PutAuthRequest(request); err != nil {
		logging.Error("OAuth", err, "Failed to stage authorization request")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to stage request")
		return
	}

	// No consent UI: the staged request is approved on the spot.
	h.approve(w, r, request)
}

// approve consumes a staged request, mints the authorization code and
// redirects the user agent back to the client.
func (h *Handler) approve(w http.ResponseWriter, r *http.Request, request *AuthRequest) {
	staged, err := h.store.TakeAuthRequest(request.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "authorization request expired")
		return
	}

	now := time.Now()
	code := &AuthCode{
		Code:                NewCodeID(),
		ClientID:            staged.ClientID,
		RedirectURI:         staged.RedirectURI,
		CodeChallenge:       staged.CodeChallenge,
		CodeChallengeMethod: staged.CodeChallengeMethod,
		Resource:            staged.Resource,
		Scopes:              staged.Scopes,
		CreatedAt:           now,
		ExpiresAt:           now.Add(h.codeTTL),
	}
	if err := h.store.PutCode(code); err != nil {
		logging.Error("OAuth", err, "Failed to persist authorization code")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to store code")
		return
	}

	target, err := url.Parse(staged.RedirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid redirect_uri")
		return
	}
	values := target.Query()
	values.Set("code", code.Code)
	if staged.State != "" {
		values.Set("state", staged.State)
	}
	target.RawQuery = values.Encode()

	logging.Debug("OAuth", "Issued code for client %s", staged.ClientID)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleToken exchanges a one-shot authorization code for a bearer token.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.AllowRequest(r) {
		writeError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeError(w, http.StatusBadRequest, "invalid_request", "grant_type must be authorization_code")
		return
	}

	code, err := h.store.ConsumeCode(r.PostForm.Get("code"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}

	if r.PostForm.Get("client_id") != code.ClientID {
		writeError(w, http.StatusBadRequest, "invalid_grant", "client_id does not match code")
		return
	}
	if r.PostForm.Get("redirect_uri") != code.RedirectURI {
		writeError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match code")
		return
	}
	if !verifyPKCE(code, r.PostForm.Get("code_verifier")) {
		writeError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	now := time.Now()
	session := &Session{
		Token:     NewTokenID(),
		ClientID:  code.ClientID,
		Resource:  code.Resource,
		Scopes:    code.Scopes,
		CreatedAt: now,
		ExpiresAt: now.Add(h.tokenTTL),
	}
	if err := h.store.PutSession(session); err != nil {
		logging.Error("OAuth", err, "Failed to persist session")
		writeError(w, http.StatusInternalServerError, "server_error", "failed to store session")
		return
	}

	logging.Info("OAuth", "Issued token for client %s (scopes: %s)",
		session.ClientID, strings.Join(session.Scopes, " "))

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": session.Token,
		"token_type":   "Bearer",
		"expires_in":   int(h.tokenTTL.Seconds()),
		"scope":        strings.Join(session.Scopes, " "),
	})
}

// handleRevoke implements RFC 7009 token revocation. Per the RFC, revoking
// an unknown or already-expired token still answers 200 so clients cannot
// probe for live tokens.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.AllowRequest(r) {
		writeError(w, http.StatusTooManyRequests, "invalid_request", "rate limit exceeded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}

	if strings.HasPrefix(token, TokenPrefix) {
		if err := h.store.DeleteSession(token); err != nil {
			logging.Debug("OAuth", "Revocation of unknown token ignored")
		} else {
			logging.Info("OAuth", "Token revoked")
		}
	}
	w.WriteHeader(http.StatusOK)
}

// verifyPKCE checks the code_verifier against the challenge bound to the
// code. Codes issued without a challenge accept any verifier.
func verifyPKCE(code *AuthCode, verifier string) bool {
	if code.CodeChallenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}

	switch code.CodeChallengeMethod {
	case "S256":
		hash := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(hash[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(code.CodeChallenge)) == 1
	case "plain":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(code.CodeChallenge)) == 1
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("OAuth", "Failed to encode response: %v", err)
	}
}

// writeError emits the standard OAuth error document.
func writeError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}
