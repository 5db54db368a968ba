package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/agentgate/agentgate/pkg/discovery"
	"github.com/agentgate/agentgate/pkg/gateway/policy"
	"github.com/agentgate/agentgate/pkg/gateway/proxy"
	"github.com/agentgate/agentgate/pkg/gateway/session"
	"github.com/agentgate/agentgate/pkg/gateway/statetoken"
	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

type startRequest struct {
	ToolID  string         `json:"tool_id"`
	Scope   string         `json:"scope"`
	Context map[string]any `json:"context"`
}

type startResponse struct {
	SID          string `json:"sid"`
	AuthorizeURL string `json:"authorize_url"`
}

// handleSessionStart runs the start state machine: discovery, policy,
// consent, PKCE and state generation, session creation.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be JSON")
		return
	}
	if req.ToolID == "" || req.Scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool_id and scope are required")
		return
	}
	if _, ok := proxy.LookupByToolID(req.ToolID); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown tool_id: "+req.ToolID)
		return
	}

	ctx := r.Context()

	rsMeta, err := s.discoverResource(ctx)
	if err != nil {
		logger.Errorf("Resource discovery failed: %v", err)
		s.metrics.sessionStarts.WithLabelValues("start_failed").Inc()
		writeError(w, http.StatusBadGateway, "start_failed", "resource discovery failed")
		return
	}

	asMeta, err := s.resolveAuthServer(ctx, rsMeta)
	if err != nil {
		logger.Errorf("Authorization server resolution failed: %v", err)
		s.metrics.sessionStarts.WithLabelValues("start_failed").Inc()
		writeError(w, http.StatusBadGateway, "start_failed", "authorization server metadata unavailable")
		return
	}

	eval, err := s.adp.Evaluate(ctx, &policy.EvaluateRequest{
		Subject:         s.cfg.Subject,
		AgentID:         s.cfg.AgentID,
		ToolID:          req.ToolID,
		Audience:        rsMeta.Resource,
		RequestedScopes: []string{req.Scope},
		Context:         req.Context,
	})
	if err != nil {
		logger.Errorf("Policy evaluation failed: %v", err)
		s.metrics.sessionStarts.WithLabelValues("bad_gateway").Inc()
		writeError(w, http.StatusBadGateway, "bad_gateway", "authorizer unavailable")
		return
	}
	if !eval.Allow {
		s.metrics.sessionStarts.WithLabelValues("denied_by_policy").Inc()
		writeError(w, http.StatusForbidden, "denied_by_policy", eval.Reason)
		return
	}

	grantedScopes := eval.Scopes
	if len(grantedScopes) == 0 {
		grantedScopes = []string{req.Scope}
	}
	scopeString := strings.Join(grantedScopes, " ")

	consent, err := s.adp.Consent(ctx, &policy.ConsentRequest{
		Subject:  s.cfg.Subject,
		AgentID:  s.cfg.AgentID,
		ToolID:   req.ToolID,
		Audience: rsMeta.Resource,
		Scopes:   grantedScopes,
		Explicit: false,
	})
	if err != nil {
		logger.Errorf("Consent probe failed: %v", err)
		s.metrics.sessionStarts.WithLabelValues("bad_gateway").Inc()
		writeError(w, http.StatusBadGateway, "bad_gateway", "authorizer unavailable")
		return
	}

	clientID, err := s.ensureClientID(ctx, asMeta)
	if err != nil {
		logger.Errorf("Client registration failed: %v", err)
		s.metrics.sessionStarts.WithLabelValues("start_failed").Inc()
		writeError(w, http.StatusBadGateway, "start_failed", "client registration failed")
		return
	}

	sid := uuid.NewString()
	nonce := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	stateToken, err := s.signer.Sign(statetoken.Payload{
		SID:       sid,
		IssuedAt:  s.now().Unix(),
		Audience:  rsMeta.Resource,
		Scope:     scopeString,
		Nonce:     nonce,
		CtxDigest: statetoken.ContextDigest(req.Context),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start_failed", "state signing failed")
		return
	}

	asAuthorizeURL := s.buildAuthorizeURL(asMeta, clientID, scopeString, stateToken, challenge, rsMeta.Resource)

	authorizeURL := asAuthorizeURL
	if !consent.Allow {
		// Explicit consent path: the user approves on the gateway first.
		authorizeURL = s.cfg.BaseURL + "/consent?sid=" + url.QueryEscape(sid)
	}

	now := s.now()
	s.sessions.Add(&session.Session{
		SID:                 sid,
		Nonce:               nonce,
		RSMetadata:          rsMeta,
		ASMetadata:          asMeta,
		Audience:            rsMeta.Resource,
		Upstream:            s.cfg.UpstreamRS,
		ToolID:              req.ToolID,
		RequestedScopes:     grantedScopes,
		ScopeString:         scopeString,
		Context:             req.Context,
		ClientID:            clientID,
		PKCE:                session.PKCE{Verifier: verifier, Challenge: challenge},
		StateToken:          stateToken,
		ASAuthorizeURL:      asAuthorizeURL,
		Obligations:         eval.Obligations,
		ObligationsIssuedAt: now,
		CreatedAt:           now,
	})

	logger.Infow("Session started", "sid", sid, "tool", req.ToolID, "scope", scopeString, "auto_consent", consent.Allow)
	s.metrics.sessionStarts.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, startResponse{SID: sid, AuthorizeURL: authorizeURL})
}

// handleSessionStatus reports readiness, optionally for one scope.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	writeJSON(w, http.StatusOK, map[string]bool{"ready": s.sessions.AnyReady(scope)})
}

// discoverResource locates the protected resource metadata, preferring the
// probe's resource_metadata pointer and falling back to the configured URL.
func (s *Server) discoverResource(ctx context.Context) (*oauthproto.ProtectedResourceMetadata, error) {
	authInfo, probeErr := s.disc.ProbeResource(ctx, s.cfg.UpstreamRS+s.cfg.ProbePath)
	if probeErr == nil && authInfo.ResourceMetadata != "" {
		meta, err := s.disc.FetchResourceMetadata(ctx, authInfo.ResourceMetadata)
		if err == nil {
			return meta, nil
		}
		probeErr = err
	}

	if s.cfg.RSMetaFallback == "" {
		return nil, fmt.Errorf("probe yielded no metadata and no fallback configured: %w", probeErr)
	}

	meta, err := s.disc.FetchResourceMetadata(ctx, s.cfg.RSMetaFallback)
	if err != nil {
		return nil, errors.Join(probeErr, err)
	}
	return meta, nil
}

// resolveAuthServer fetches metadata for the first advertised AS, falling
// back to the configured metadata URL when the PRM lists none.
func (s *Server) resolveAuthServer(ctx context.Context, rsMeta *oauthproto.ProtectedResourceMetadata) (*oauthproto.AuthorizationServerMetadata, error) {
	raw := s.cfg.ASMetaFallback
	if len(rsMeta.AuthorizationServers) > 0 {
		raw = rsMeta.AuthorizationServers[0]
	}
	if raw == "" {
		return nil, fmt.Errorf("resource metadata lists no authorization servers")
	}

	metaURL, err := discovery.NormalizeAuthServerURL(raw)
	if err != nil {
		return nil, err
	}
	return s.disc.FetchAuthServerMetadata(ctx, metaURL)
}

// ensureClientID returns the gateway's client_id at the given AS,
// registering dynamically on first use. Registrations are cached per issuer.
func (s *Server) ensureClientID(ctx context.Context, asMeta *oauthproto.AuthorizationServerMetadata) (string, error) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if id, ok := s.clientIDs[asMeta.Issuer]; ok {
		return id, nil
	}
	if asMeta.RegistrationEndpoint == "" {
		// No DCR support; fall back to a fixed public client identifier.
		s.clientIDs[asMeta.Issuer] = s.cfg.ClientName
		return s.cfg.ClientName, nil
	}

	body, err := json.Marshal(oauthproto.ClientRegistrationRequest{
		RedirectURIs: []string{s.cfg.BaseURL + "/oauth/callback"},
		ClientName:   s.cfg.ClientName,
		GrantTypes:   []string{oauthproto.GrantTypeAuthorizationCode},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, asMeta.RegistrationEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registration returned status %d", resp.StatusCode)
	}

	var reg oauthproto.ClientRegistrationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reg); err != nil {
		return "", fmt.Errorf("failed to decode registration response: %w", err)
	}
	if reg.ClientID == "" {
		return "", fmt.Errorf("registration response missing client_id")
	}

	s.clientIDs[asMeta.Issuer] = reg.ClientID
	return reg.ClientID, nil
}

// buildAuthorizeURL assembles the authorization request with PKCE and the
// resource indicator.
func (s *Server) buildAuthorizeURL(asMeta *oauthproto.AuthorizationServerMetadata, clientID, scope, state, challenge, audience string) string {
	conf := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: s.cfg.BaseURL + "/oauth/callback",
		Scopes:      strings.Fields(scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  asMeta.AuthorizationEndpoint,
			TokenURL: asMeta.TokenEndpoint,
		},
	}
	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", oauthproto.PKCEMethodS256),
		oauth2.SetAuthURLParam("resource", audience),
	)
}
