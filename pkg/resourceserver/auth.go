package resourceserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/agentgate/agentgate/pkg/networking"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// TokenValidator checks a bearer token and reports its claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*oauthproto.IntrospectionResponse, error)
}

// introspectionValidator validates tokens by calling the AS introspection
// endpoint (RFC 7662).
type introspectionValidator struct {
	url  string
	http networking.HTTPClient
}

// NewIntrospectionValidator validates against the given endpoint.
func NewIntrospectionValidator(introspectURL string) TokenValidator {
	return &introspectionValidator{
		url:  introspectURL,
		http: networking.NewHttpClientBuilder().Build(),
	}
}

func (v *introspectionValidator) Validate(ctx context.Context, token string) (*oauthproto.IntrospectionResponse, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	var intro oauthproto.IntrospectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&intro); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}
	return &intro, nil
}

// localValidator verifies HS256 tokens without a network round trip.
// Usable when the RS shares the demo signing secret with the AS.
type localValidator struct {
	secret string
	issuer string
}

// NewLocalValidator verifies tokens with the shared secret.
func NewLocalValidator(secret, issuer string) TokenValidator {
	return &localValidator{secret: secret, issuer: issuer}
}

func (v *localValidator) Validate(_ context.Context, token string) (*oauthproto.IntrospectionResponse, error) {
	var claims struct {
		Scope string `json:"scope,omitempty"`
		jwt.RegisteredClaims
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)

	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.secret), nil
	})
	if err != nil || !parsed.Valid {
		return &oauthproto.IntrospectionResponse{Active: false, Error: "invalid_token"}, nil
	}

	audience := ""
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}
	return &oauthproto.IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		Subject:   claims.Subject,
		Audience:  audience,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
		TokenType: "Bearer",
	}, nil
}

type contextKey string

// authContextKey carries the validated token claims through the request.
const authContextKey contextKey = "rs.auth"

// authFromContext returns the claims the middleware attached.
func authFromContext(ctx context.Context) *oauthproto.IntrospectionResponse {
	claims, _ := ctx.Value(authContextKey).(*oauthproto.IntrospectionResponse)
	return claims
}

// hasScope reports whether the space-separated scope string grants the
// required scope.
func hasScope(scopeString, required string) bool {
	for _, s := range strings.Fields(scopeString) {
		if s == required {
			return true
		}
	}
	return false
}
