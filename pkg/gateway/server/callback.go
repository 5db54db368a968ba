package server

import (
	"html"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/agentgate/agentgate/pkg/gateway/session"
	"github.com/agentgate/agentgate/pkg/gateway/statetoken"
	"github.com/agentgate/agentgate/pkg/logger"
)

// handleCallback finishes the authorization flow: it verifies the signed
// state, matches it against the stored session, exchanges the code, and
// finalizes the session. Any verification failure leaves the session
// untouched.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		detail := q.Get("error_description")
		if detail == "" {
			detail = "the authorization server reported: " + errCode
		}
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", detail)
		return
	}

	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "missing code or state parameter")
		return
	}

	payload, err := s.signer.Verify(state)
	if err != nil {
		logger.Warnf("State verification failed: %v", err)
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "state verification failed")
		return
	}

	snap, err := s.sessions.Snapshot(payload.SID)
	if err != nil {
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "unknown session")
		return
	}
	if snap.Used {
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "session already completed")
		return
	}
	if payload.Audience != snap.Audience ||
		payload.Scope != snap.ScopeString ||
		payload.Nonce != snap.Nonce ||
		payload.CtxDigest != statetoken.ContextDigest(snap.Context) {
		logger.Warnf("State payload mismatch for session %s", payload.SID)
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "state does not match session")
		return
	}

	conf := &oauth2.Config{
		ClientID:    snap.ClientID,
		RedirectURL: s.cfg.BaseURL + "/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  snap.ASMetadata.AuthorizationEndpoint,
			TokenURL: snap.ASMetadata.TokenEndpoint,
			// Public client: the AS expects client_id in the form body, and
			// auth-style auto-detect would burn the single-use code on its
			// Basic-header first attempt.
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := conf.Exchange(r.Context(), code,
		oauth2.SetAuthURLParam("code_verifier", snap.PKCE.Verifier),
		oauth2.SetAuthURLParam("resource", snap.Audience),
	)
	if err != nil {
		logger.Errorf("Token exchange failed for session %s: %v", snap.SID, err)
		writeHTMLError(w, http.StatusBadGateway, "Authorization failed", "token exchange with the authorization server failed")
		return
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(session.DefaultTokenLifetime)
	}

	if err := s.sessions.Finalize(snap.SID, tok.AccessToken, tok.RefreshToken, expiresAt); err != nil {
		writeHTMLError(w, http.StatusBadRequest, "Authorization failed", "session already completed")
		return
	}

	logger.Infow("Session authorized", "sid", snap.SID, "tool", snap.ToolID, "scope", snap.ScopeString)
	writeHTML(w, http.StatusOK, "Authorization complete",
		"<p>The agent is now authorized for <strong>"+html.EscapeString(snap.ScopeString)+
			"</strong>. You can close this window.</p>")
}
