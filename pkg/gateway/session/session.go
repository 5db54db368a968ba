// Package session holds the gateway's server-side session records.
//
// A session represents one user-authorized capability grant: the scopes the
// user approved for one tool, the obligations the authorizer attached, and
// (once the OAuth flow completes) the upstream access token. Tokens never
// leave this package except through the proxy's Authorization header; the
// agent only ever observes readiness.
package session

import (
	"time"

	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// DefaultTokenLifetime is assumed when the token endpoint omits expires_in.
const DefaultTokenLifetime = 900 * time.Second

// PKCE holds the proof-key pair for one authorization request.
// The verifier is erased after a successful token exchange.
type PKCE struct {
	Verifier  string
	Challenge string
}

// Obligations is the obligation set attached by the authorizer at session
// start. Immutable once written; updating obligations requires re-auth
// (the TTL mechanism forces this).
type Obligations struct {
	// BindOrder pins requests to one order identifier, when non-empty.
	BindOrder string `json:"bind_order,omitempty"`

	// MaxAmountCents caps the amount_cents of a payment request. Nil means
	// no cap.
	MaxAmountCents *int64 `json:"max_amount_cents,omitempty"`

	// MerchantAllowlist restricts merchant_id values. Empty means any.
	MerchantAllowlist []string `json:"merchant_allowlist,omitempty"`

	// TTLSeconds bounds the age of the obligation set. Zero means no TTL.
	TTLSeconds int64 `json:"ttl,omitempty"`
}

// Session is the gateway-side record of one authorization flow.
// Field access is guarded by the owning Manager; handlers must not retain
// pointers across requests except through Manager methods.
type Session struct {
	SID   string
	Nonce string

	// Discovery results, immutable for the session lifetime.
	RSMetadata *oauthproto.ProtectedResourceMetadata
	ASMetadata *oauthproto.AuthorizationServerMetadata

	// Audience is the resource identifier from the RS metadata.
	Audience string

	// Upstream is the base URL of the resource server to forward to.
	Upstream string

	ToolID          string
	RequestedScopes []string
	ScopeString     string
	Context         map[string]any

	// ClientID is the OAuth client this gateway registered (or was
	// configured) at the session's authorization server.
	ClientID string

	PKCE       PKCE
	StateToken string

	// ASAuthorizeURL is the fully-built authorization endpoint URL. When
	// explicit consent is required the agent is first sent to the gateway's
	// consent page, which redirects here on approval.
	ASAuthorizeURL string

	Obligations         Obligations
	ObligationsIssuedAt time.Time

	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// Used is set when the authorization code has been exchanged; it blocks
	// callback replays for this session.
	Used bool

	// ObtainedAt records when the access token was stored; session
	// selection prefers the most recent grant.
	ObtainedAt time.Time

	CreatedAt time.Time
}

// Ready reports whether the session can serve tool traffic: token present,
// code exchanged, token not expired.
func (s *Session) Ready(now time.Time) bool {
	return s.AccessToken != "" && s.Used && now.Before(s.ExpiresAt)
}

// HasScope reports whether the session's requested scopes include the given
// scope.
func (s *Session) HasScope(scope string) bool {
	for _, have := range s.RequestedScopes {
		if have == scope {
			return true
		}
	}
	return false
}
