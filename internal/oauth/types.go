// Package oauth implements the proxy's optional OAuth 2.1 gate: a
// file-backed store for tokens, authorization codes and registered clients,
// plus the authorization-server endpoints that issue them.
package oauth

import (
	"time"

	"github.com/google/uuid"
)

// Record id prefixes. The prefix both namespaces the id space and makes
// stray artifacts identifiable in logs and on disk.
const (
	TokenPrefix  = "tk-"
	CodePrefix   = "code-"
	ClientPrefix = "client-"
)

const (
	// DefaultTokenTTL is the access-token lifetime.
	DefaultTokenTTL = 24 * time.Hour
	// DefaultCodeTTL is the authorization-code and staged-request lifetime.
	DefaultCodeTTL = 10 * time.Minute
	// clientTTL bounds dynamically registered clients so abandoned
	// registrations age out of the store.
	clientTTL = 30 * 24 * time.Hour
)

// expirable is implemented by every stored record so reads can enforce the
// expires_at invariant uniformly.
type expirable interface {
	Expired(now time.Time) bool
}

// Session is an issued access token and its grant.
type Session struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"client_id"`
	Resource  string    `json:"resource,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool { return !s.ExpiresAt.After(now) }

// AuthCode is a one-shot authorization code awaiting exchange.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	Scopes              []string  `json:"scopes,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (c *AuthCode) Expired(now time.Time) bool { return !c.ExpiresAt.After(now) }

// AuthRequest is a staged consent request created by /authorize before the
// code is minted.
type AuthRequest struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Resource            string    `json:"resource,omitempty"`
	Scopes              []string  `json:"scopes,omitempty"`
	State               string    `json:"state,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (r *AuthRequest) Expired(now time.Time) bool { return !r.ExpiresAt.After(now) }

// ClientRegistration is a dynamically registered OAuth client (RFC 7591).
type ClientRegistration struct {
	ClientID                string    `json:"client_id"`
	ClientName              string    `json:"client_name,omitempty"`
	RedirectURIs            []string  `json:"redirect_uris"`
	GrantTypes              []string  `json:"grant_types,omitempty"`
	ResponseTypes           []string  `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string    `json:"scope,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	ExpiresAt               time.Time `json:"expires_at"`
}

func (c *ClientRegistration) Expired(now time.Time) bool { return !c.ExpiresAt.After(now) }

// RedirectURIAllowed reports whether uri is one of the client's registered
// redirect URIs. A client registered without redirect URIs accepts any;
// the authorize endpoint still validates the URI and binds it to the code,
// and the token exchange enforces the binding.
func (c *ClientRegistration) RedirectURIAllowed(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// NewTokenID mints a fresh access-token id.
func NewTokenID() string { return TokenPrefix + uuid.NewString() }

// NewCodeID mints a fresh authorization-code id.
func NewCodeID() string { return CodePrefix + uuid.NewString() }

// NewClientID mints a fresh client id.
func NewClientID() string { return ClientPrefix + uuid.NewString() }

// Metadata is the RFC 8414 authorization-server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// ResourceMetadata is the RFC 9728 protected-resource metadata document.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}
