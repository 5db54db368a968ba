// Package oauthproto holds the OAuth wire types shared between the gateway,
// the authorization server, and the resource server:
//
//   - RFC 8414 authorization server metadata
//   - RFC 9728 protected resource metadata
//   - RFC 7591 dynamic client registration
//   - RFC 7662 token introspection
//
// The structs carry only the fields this system exchanges; unknown fields
// are ignored on decode.
package oauthproto

// WellKnownAuthServerPath is the RFC 8414 well-known path for authorization
// server metadata.
const WellKnownAuthServerPath = "/.well-known/oauth-authorization-server"

// WellKnownProtectedResourcePath is the RFC 9728 well-known path for
// protected resource metadata.
const WellKnownProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ResponseTypeCode is the authorization code response type.
const ResponseTypeCode = "code"

// GrantTypeAuthorizationCode is the authorization code grant type.
const GrantTypeAuthorizationCode = "authorization_code"

// TokenEndpointAuthMethodNone indicates a public client (no client secret).
const TokenEndpointAuthMethodNone = "none"

// PKCEMethodS256 is the only PKCE challenge method this system accepts (RFC 7636).
const PKCEMethodS256 = "S256"

// AuthorizationServerMetadata is the RFC 8414 metadata document.
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// ProtectedResourceMetadata is the RFC 9728 protected resource metadata
// document published by the resource server.
type ProtectedResourceMetadata struct {
	Resource              string   `json:"resource"`
	AuthorizationServers  []string `json:"authorization_servers"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	IntrospectionEndpoint string   `json:"introspection_endpoint,omitempty"`
}

// ClientRegistrationRequest is the RFC 7591 dynamic client registration
// request body.
type ClientRegistrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
	GrantTypes   []string `json:"grant_types,omitempty"`
	Scope        string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the RFC 7591 registration response.
// Clients registered here are public; no secret is issued.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is the RFC 7662 introspection response body.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  string `json:"aud,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorResponse is the standard OAuth error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
