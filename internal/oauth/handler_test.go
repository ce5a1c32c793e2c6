package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (*Handler, *chi.Mux) {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	h := NewHandler(store, "http://127.0.0.1:3050", time.Hour, 10*time.Minute,
		NewRateLimiter(1000, time.Minute))
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

func registerClient(t *testing.T, r http.Handler, redirectURI string) string {
	t.Helper()
	body := `{"client_name": "test", "redirect_uris": ["` + redirectURI + `"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.ClientID, ClientPrefix))
	return resp.ClientID
}

// authorize runs the authorization request and extracts the code from the
// redirect.
func authorize(t *testing.T, r http.Handler, params url.Values) (code, state string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("code"), loc.Query().Get("state")
}

func TestMetadataDiscovery(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "http://127.0.0.1:3050", meta.Issuer)
	assert.Equal(t, "http://127.0.0.1:3050/authorize", meta.AuthorizationEndpoint)
	assert.Equal(t, "http://127.0.0.1:3050/token", meta.TokenEndpoint)
	assert.Contains(t, meta.CodeChallengeMethodsSupported, "S256")
}

func TestProtectedResourceMetadata(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var meta ResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, []string{"http://127.0.0.1:3050"}, meta.AuthorizationServers)
}

func TestRegisterEmptyDocument(t *testing.T) {
	// Registration with no fields at all succeeds; the redirect URI is
	// bound at authorize time instead.
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.ClientID, ClientPrefix))

	// the authorize-time URI is accepted for such a client
	code, _ := authorize(t, r, url.Values{
		"response_type": {"code"},
		"client_id":     {resp.ClientID},
		"redirect_uri":  {"http://x"},
	})
	assert.True(t, strings.HasPrefix(code, CodePrefix), code)
}

func TestRegisterRejectsMalformedRedirectURI(t *testing.T) {
	_, r := newTestHandler(t)

	body := `{"client_name": "x", "redirect_uris": ["not a uri"]}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestFullAuthorizationCodeFlow(t *testing.T) {
	h, r := newTestHandler(t)
	const redirectURI = "http://localhost:9999/callback"
	clientID := registerClient(t, r, redirectURI)

	verifier := "test-verifier-string-with-enough-entropy-0123456789"
	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	code, state := authorize(t, r, url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"scope":                 {"tag:web tag:db"},
		"state":                 {"opaque-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})
	require.True(t, strings.HasPrefix(code, CodePrefix), code)
	assert.Equal(t, "opaque-state", state)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.AccessToken, TokenPrefix))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.Equal(t, "tag:web tag:db", resp.Scope)

	session, err := h.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, clientID, session.ClientID)
	assert.Equal(t, []string{"tag:web", "tag:db"}, session.Scopes)

	// code reuse must fail: codes are one-shot
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	_, r := newTestHandler(t)
	const redirectURI = "http://localhost:9999/callback"
	clientID := registerClient(t, r, redirectURI)

	hash := sha256.Sum256([]byte("right-verifier"))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	code, _ := authorize(t, r, url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
		"code_verifier": {"wrong-verifier"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestTokenRejectsMismatchedClient(t *testing.T) {
	_, r := newTestHandler(t)
	const redirectURI = "http://localhost:9999/callback"
	clientID := registerClient(t, r, redirectURI)

	code, _ := authorize(t, r, url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
	})

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {"client-imposter"},
		"redirect_uri": {redirectURI},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestAuthorizeRejectsUnknownClient(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/authorize?response_type=code&client_id=client-ghost&redirect_uri=http://x/cb", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	_, r := newTestHandler(t)
	clientID := registerClient(t, r, "http://localhost:9999/callback")

	req := httptest.NewRequest(http.MethodGet,
		"/authorize?response_type=code&client_id="+clientID+"&redirect_uri=http://evil.example/cb", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateTokenUnknown(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.ValidateToken("tk-nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	h, r := newTestHandler(t)
	const redirectURI = "http://localhost:9999/callback"
	clientID := registerClient(t, r, redirectURI)

	code, _ := authorize(t, r, url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {redirectURI},
	})

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"client_id":    {clientID},
		"redirect_uri": {redirectURI},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	_, err := h.ValidateToken(resp.AccessToken)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/revoke",
		strings.NewReader(url.Values{"token": {resp.AccessToken}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = h.ValidateToken(resp.AccessToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeUnknownTokenSucceeds(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/revoke",
		strings.NewReader("token=tk-nonexistent"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// tokens carrying a foreign prefix are ignored, not errors
	req = httptest.NewRequest(http.MethodPost, "/revoke",
		strings.NewReader("token=whatever"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevokeRequiresToken(t *testing.T) {
	_, r := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestTokenEndpointRateLimited(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	h := NewHandler(store, "http://127.0.0.1:3050", time.Hour, time.Minute,
		NewRateLimiter(2, time.Minute))
	r := chi.NewRouter()
	h.Routes(r)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=authorization_code&code=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=authorization_code&code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// a different IP is unaffected
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=authorization_code&code=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
