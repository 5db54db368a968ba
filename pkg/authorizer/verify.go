package authorizer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// VerifyLeeway is the clock skew tolerated when checking delegation expiry.
const VerifyLeeway = 5 * time.Second

// acceptedAlgorithms are the signature algorithms a delegation may use.
var acceptedAlgorithms = []string{"EdDSA", "ES256", "RS256"}

// Verification errors.
var (
	ErrBadSignature  = errors.New("delegation signature invalid")
	ErrBadClaims     = errors.New("delegation claims invalid")
	ErrDelegationKey = errors.New("delegation key invalid")
	ErrExpired       = errors.New("delegation expired")
)

// delegationClaims is the JWS payload of a delegation credential.
type delegationClaims struct {
	Subject     string       `json:"subject"`
	AgentID     string       `json:"agent_id"`
	ToolID      string       `json:"tool_id"`
	Scopes      []string     `json:"scopes"`
	NotAfter    int64        `json:"not_after,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	jwt.RegisteredClaims
}

// VerifyDelegation checks the compact JWS against the supplied public JWK
// and returns the parsed delegation. The expiry may be carried as either a
// not_after claim or a standard exp; both are honored with VerifyLeeway of
// skew.
func VerifyDelegation(jws string, publicJWK []byte, now time.Time) (*Delegation, error) {
	key, err := jwk.ParseKey(publicJWK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelegationKey, err)
	}

	// golang-jwt needs the raw crypto key, not the JWK wrapper.
	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDelegationKey, err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(acceptedAlgorithms),
		jwt.WithLeeway(VerifyLeeway),
	)

	var claims delegationClaims
	token, err := parser.ParseWithClaims(jws, &claims, func(*jwt.Token) (any, error) {
		return rawKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !token.Valid {
		return nil, ErrBadSignature
	}

	notAfter := claims.NotAfter
	if notAfter == 0 && claims.ExpiresAt != nil {
		notAfter = claims.ExpiresAt.Unix()
	}

	d := &Delegation{
		Subject:     claims.Subject,
		AgentID:     claims.AgentID,
		ToolID:      claims.ToolID,
		Scopes:      claims.Scopes,
		NotAfter:    notAfter,
		Issuer:      claims.Issuer,
		Constraints: claims.Constraints,
		Envelope:    jws,
		PublicJWK:   string(publicJWK),
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadClaims, err)
	}
	if now.After(time.Unix(d.NotAfter, 0).Add(VerifyLeeway)) {
		return nil, ErrExpired
	}

	return d, nil
}
