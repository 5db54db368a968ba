package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentgate/agentgate/pkg/gateway/obligations"
	"github.com/agentgate/agentgate/pkg/gateway/proxy"
	"github.com/agentgate/agentgate/pkg/logger"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

// toolHandler dispatches one tool route: session selection by scope,
// obligation enforcement, then upstream forwarding. Tokens are attached
// here and never appear in responses.
func (s *Server) toolHandler(route proxy.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := s.sessions.SelectByScope(route.Scope)
		if !ok {
			s.metrics.toolRequests.WithLabelValues(route.ToolID, "login_required").Inc()
			writeError(w, http.StatusUnauthorized, "login_required", "no authorized session for scope "+route.Scope)
			return
		}

		var body []byte
		if route.Method == http.MethodPost {
			var err error
			body, err = io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
				return
			}
		}

		params := obligations.ParamsFromJSON(body)
		if err := obligations.Enforce(snap.Obligations, params, snap.ObligationsIssuedAt, s.now()); err != nil {
			if errors.Is(err, obligations.ErrTTLExpired) {
				// Stale obligations invalidate the token; the agent must
				// re-authorize to get a fresh obligation set.
				s.sessions.ClearToken(snap.SID)
				logger.Infow("Obligation TTL expired, session token cleared", "sid", snap.SID)
				s.metrics.toolRequests.WithLabelValues(route.ToolID, "ttl_expired").Inc()
				writeError(w, http.StatusUnauthorized, "session_obligation_ttl_expired", err.Error())
				return
			}
			s.metrics.toolRequests.WithLabelValues(route.ToolID, "obligation_violation").Inc()
			writeError(w, http.StatusForbidden, "obligation_violation", err.Error())
			return
		}

		res, err := s.fwd.Forward(r.Context(), route, snap.AccessToken, r.URL.Query(), body)
		if err != nil {
			switch {
			case errors.Is(err, proxy.ErrUpstreamRejected):
				s.sessions.ClearToken(snap.SID)
				logger.Infow("Upstream rejected token, session cleared", "sid", snap.SID)
				s.metrics.toolRequests.WithLabelValues(route.ToolID, "login_required").Inc()
				writeError(w, http.StatusUnauthorized, "login_required", "upstream rejected the session token")
			case errors.Is(err, proxy.ErrMissingOrderID):
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			default:
				s.metrics.toolRequests.WithLabelValues(route.ToolID, "bad_gateway").Inc()
				writeError(w, http.StatusBadGateway, "bad_gateway", "upstream unavailable")
			}
			return
		}

		s.metrics.toolRequests.WithLabelValues(route.ToolID, "ok").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(res.Status)
		_, _ = w.Write(res.Body)
	}
}

// handleDebugToken exposes the selected session's token. Dev-only surface;
// the /debug tree is the single sanctioned exception to the credential
// firewall.
func (s *Server) handleDebugToken(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	snap, ok := s.sessions.SelectByScope(scope)
	if !ok {
		writeError(w, http.StatusNotFound, "login_required", "no ready session for scope "+scope)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sid":          snap.SID,
		"access_token": snap.AccessToken,
		"expires_at":   snap.ExpiresAt.Unix(),
		"scope":        snap.ScopeString,
	})
}

// handleDebugIntrospect introspects the selected session's token at the AS.
func (s *Server) handleDebugIntrospect(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	snap, ok := s.sessions.SelectByScope(scope)
	if !ok {
		writeError(w, http.StatusNotFound, "login_required", "no ready session for scope "+scope)
		return
	}
	if snap.ASMetadata == nil || snap.ASMetadata.IntrospectionEndpoint == "" {
		writeError(w, http.StatusBadGateway, "introspection_failed", "no introspection endpoint")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		snap.ASMetadata.IntrospectionEndpoint, introspectionForm(snap.AccessToken))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "introspection_failed", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "introspection_failed", "introspection request failed")
		return
	}
	defer resp.Body.Close()

	var intro oauthproto.IntrospectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&intro); err != nil {
		writeError(w, http.StatusBadGateway, "introspection_failed", "bad introspection response")
		return
	}
	writeJSON(w, http.StatusOK, intro)
}

func introspectionForm(token string) io.Reader {
	return strings.NewReader(url.Values{"token": {token}}.Encode())
}

// handleSessionReset drops all sessions.
func (s *Server) handleSessionReset(w http.ResponseWriter, _ *http.Request) {
	n := s.sessions.Reset()
	logger.Infow("Session table reset", "cleared", n)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
