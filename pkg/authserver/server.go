package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/networking"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// Server is the authorization server's HTTP surface.
type Server struct {
	cfg   *Config
	state *memory
	now   func() time.Time
}

// NewServer creates an authorization server from configuration.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:   cfg,
		state: newMemory(),
		now:   time.Now,
	}
}

// Routes builds the authorization server's router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(oauthproto.WellKnownAuthServerPath, s.handleMetadata)
	r.Post("/register", s.handleRegister)
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)
	r.Post("/introspect", s.handleIntrospect)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// Run serves the authorization server until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return networking.Serve(ctx, fmt.Sprintf(":%d", s.cfg.Port), s.Routes())
}

func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	meta := oauthproto.AuthorizationServerMetadata{
		Issuer:                            s.cfg.Issuer,
		AuthorizationEndpoint:             s.cfg.Issuer + "/authorize",
		TokenEndpoint:                     s.cfg.Issuer + "/token",
		IntrospectionEndpoint:             s.cfg.Issuer + "/introspect",
		RegistrationEndpoint:              s.cfg.Issuer + "/register",
		ResponseTypesSupported:            []string{oauthproto.ResponseTypeCode},
		GrantTypesSupported:               []string{oauthproto.GrantTypeAuthorizationCode},
		CodeChallengeMethodsSupported:     []string{oauthproto.PKCEMethodS256},
		ScopesSupported:                   s.cfg.ScopesSupported,
		TokenEndpointAuthMethodsSupported: []string{oauthproto.TokenEndpointAuthMethodNone},
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, meta)
}

// handleRegister implements RFC 7591 dynamic registration for public
// clients.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req oauthproto.ClientRegistrationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "body must be JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, raw := range req.RedirectURIs {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be absolute URLs")
			return
		}
	}

	c := &client{
		ID:           "client-" + uuid.NewString(),
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
	}
	s.state.addClient(c)

	logger.Infow("Client registered", "client_id", c.ID, "name", c.Name)
	writeJSON(w, http.StatusCreated, oauthproto.ClientRegistrationResponse{
		ClientID:                c.ID,
		ClientName:              c.Name,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: oauthproto.TokenEndpointAuthMethodNone,
		ClientIDIssuedAt:        s.now().Unix(),
	})
}

// handleAuthorize validates the authorization request, auto-approves
// consent, and redirects back with a fresh single-use code.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("response_type") != oauthproto.ResponseTypeCode {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	c, ok := s.state.getClient(q.Get("client_id"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !containsString(c.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		return
	}

	challenge := q.Get("code_challenge")
	if challenge == "" || q.Get("code_challenge_method") != oauthproto.PKCEMethodS256 {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "S256 code_challenge is required")
		return
	}

	code := s.state.issueCode(&authorizationRequest{
		ClientID:      c.ID,
		RedirectURI:   redirectURI,
		Scope:         q.Get("scope"),
		CodeChallenge: challenge,
		Resource:      q.Get("resource"),
		Subject:       s.cfg.Subject,
	})

	target := redirectURI + "?" + url.Values{
		"code":  {code},
		"state": {q.Get("state")},
	}.Encode()

	logger.Infow("Authorization approved", "client_id", c.ID, "scope", q.Get("scope"))
	http.Redirect(w, r, target, http.StatusFound)
}

// handleToken redeems an authorization code for an access token. The code
// is consumed atomically on a matching client; the PKCE verifier must hash
// to the stored challenge.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "body must be form-encoded")
		return
	}

	if r.PostFormValue("grant_type") != oauthproto.GrantTypeAuthorizationCode {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code is supported")
		return
	}

	req, ok := s.state.redeemCode(r.PostFormValue("code"), tokenClientID(r), r.PostFormValue("redirect_uri"))
	if !ok {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "code unknown, expired, already redeemed, or bound to another client")
		return
	}

	verifier := r.PostFormValue("code_verifier")
	if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != req.CodeChallenge {
		writeOAuthError(w, http.StatusBadRequest, "bad_pkce", "code_verifier does not match challenge")
		return
	}

	// Audience precedence: token-request resource, then authorize-request
	// resource, then the configured default.
	audience := r.PostFormValue("resource")
	if audience == "" {
		audience = req.Resource
	}
	if audience == "" {
		audience = s.cfg.DefaultAudience
	}

	now := s.now()
	token, err := s.mintToken(req.Subject, req.Scope, audience, now)
	if err != nil {
		logger.Errorf("Token minting failed: %v", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	logger.Infow("Token issued", "client_id", req.ClientID, "aud", audience, "scope", req.Scope)
	writeJSON(w, http.StatusOK, oauthproto.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(TokenLifetime.Seconds()),
		Scope:       req.Scope,
	})
}

// handleIntrospect implements RFC 7662. The token arrives in the form body
// or as a bearer header.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "body must be form-encoded")
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "no token supplied")
		return
	}

	claims, err := s.verifyToken(token)
	if err != nil {
		writeJSON(w, http.StatusOK, oauthproto.IntrospectionResponse{Active: false, Error: "invalid_token"})
		return
	}

	audience := ""
	if len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}
	writeJSON(w, http.StatusOK, oauthproto.IntrospectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		Subject:   claims.Subject,
		Audience:  audience,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
		TokenType: "Bearer",
	})
}

// tokenClientID extracts the client identity from the form body or, for
// clients that authenticate with an HTTP Basic header (RFC 6749 2.3.1),
// from the Authorization header.
func tokenClientID(r *http.Request) string {
	if id := r.PostFormValue("client_id"); id != "" {
		return id
	}
	id, _, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	if decoded, err := url.QueryUnescape(id); err == nil {
		return decoded
	}
	return id
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, oauthproto.ErrorResponse{Error: code, ErrorDescription: description})
}
