package server

import (
	"encoding/json"
	"html"
	"net/http"
	"strings"

	"github.com/agentgate/agentgate/pkg/gateway/policy"
	"github.com/agentgate/agentgate/pkg/logger"
)

// handleConsentPage renders the explicit-approval page for a session the
// authorizer declined to auto-consent.
func (s *Server) handleConsentPage(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("sid")
	if sid == "" {
		writeHTMLError(w, http.StatusBadRequest, "Consent", "missing sid parameter")
		return
	}

	snap, err := s.sessions.Snapshot(sid)
	if err != nil {
		writeHTMLError(w, http.StatusNotFound, "Consent", "unknown session")
		return
	}
	if snap.Used {
		writeHTMLError(w, http.StatusBadRequest, "Consent", "session already completed")
		return
	}

	body := "<p>Agent <strong>" + html.EscapeString(s.cfg.AgentID) +
		"</strong> requests <strong>" + html.EscapeString(snap.ScopeString) +
		"</strong> on tool <strong>" + html.EscapeString(snap.ToolID) + "</strong>.</p>" +
		`<form method="POST" action="/consent/approve">` +
		`<input type="hidden" name="sid" value="` + html.EscapeString(sid) + `">` +
		`<button type="submit">Approve</button>` +
		`</form>`
	writeHTML(w, http.StatusOK, "Approve agent access", body)
}

// handleConsentApprove records explicit consent with the authorizer and
// sends the user on to the authorization server.
func (s *Server) handleConsentApprove(w http.ResponseWriter, r *http.Request) {
	sid := consentSID(r)
	if sid == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "sid is required")
		return
	}

	snap, err := s.sessions.Snapshot(sid)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request", "unknown session")
		return
	}
	if snap.Used {
		writeError(w, http.StatusBadRequest, "invalid_request", "session already completed")
		return
	}

	consent, err := s.adp.Consent(r.Context(), &policy.ConsentRequest{
		Subject:  s.cfg.Subject,
		AgentID:  s.cfg.AgentID,
		ToolID:   snap.ToolID,
		Audience: snap.Audience,
		Scopes:   snap.RequestedScopes,
		Explicit: true,
	})
	if err != nil {
		logger.Errorf("Explicit consent failed: %v", err)
		writeError(w, http.StatusBadGateway, "bad_gateway", "authorizer unavailable")
		return
	}
	if !consent.Allow {
		writeError(w, http.StatusForbidden, "denied_by_policy", consent.Reason)
		return
	}

	logger.Infow("Explicit consent recorded", "sid", sid, "record_id", consent.RecordID)
	http.Redirect(w, r, snap.ASAuthorizeURL, http.StatusSeeOther)
}

// consentSID pulls the session id from a form post or a JSON body.
func consentSID(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var body struct {
			SID string `json:"sid"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			return body.SID
		}
		return ""
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.FormValue("sid")
}
