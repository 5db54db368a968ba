package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/gateway/session"
	"github.com/agentgate/agentgate/pkg/oauthproto"
)

type testEnv struct {
	t  *testing.T
	gw *Server

	gwSrv  *httptest.Server
	asSrv  *httptest.Server
	rsSrv  *httptest.Server
	adpSrv *httptest.Server

	// ADP behavior knobs.
	evaluateAllow bool
	evaluateObl   map[string]any
	consentAuto   bool

	// prmOmitsAS drops authorization_servers from the PRM document.
	prmOmitsAS bool

	// Captured by the fake AS.
	lastChallenge string
	lastResource  string
}

func newTestEnv(t *testing.T) *testEnv {
	env := &testEnv{t: t, evaluateAllow: true, consentAuto: true}

	env.adpSrv = httptest.NewServer(env.adpHandler())
	env.asSrv = httptest.NewServer(env.asHandler())
	env.rsSrv = httptest.NewServer(env.rsHandler())

	cfg := &Config{
		UpstreamRS:  env.rsSrv.URL,
		ProbePath:   "/mcp/echo",
		ADPBase:     env.adpSrv.URL,
		StateSecret: "test-secret",
		WalletToken: "wallet-pm-test",
		Subject:     "user-123",
		AgentID:     "agent-demo",
		ClientName:  "agentgate-gateway",
	}

	gw, err := New(cfg)
	require.NoError(t, err)
	env.gw = gw

	env.gwSrv = httptest.NewServer(gw.Routes())
	cfg.BaseURL = env.gwSrv.URL

	t.Cleanup(func() {
		env.gwSrv.Close()
		env.asSrv.Close()
		env.rsSrv.Close()
		env.adpSrv.Close()
	})
	return env
}

func (env *testEnv) adpHandler() http.Handler {
	r := chi.NewRouter()
	r.Post("/evaluate", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"allow": env.evaluateAllow}
		if !env.evaluateAllow {
			resp["reason"] = "no delegation"
		}
		if env.evaluateObl != nil {
			resp["obligations"] = env.evaluateObl
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	r.Post("/consent", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Explicit bool `json:"explicit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		allow := env.consentAuto || req.Explicit
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"allow": allow, "record_id": "auto-1"})
	})
	return r
}

func (env *testEnv) asHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(oauthproto.AuthorizationServerMetadata{
			Issuer:                env.asSrv.URL,
			AuthorizationEndpoint: env.asSrv.URL + "/authorize",
			TokenEndpoint:         env.asSrv.URL + "/token",
			IntrospectionEndpoint: env.asSrv.URL + "/introspect",
			RegistrationEndpoint:  env.asSrv.URL + "/register",
		})
	})
	r.Post("/register", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(oauthproto.ClientRegistrationResponse{ClientID: "client-abc"})
	})
	r.Get("/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		env.lastChallenge = q.Get("code_challenge")
		env.lastResource = q.Get("resource")
		redirect := q.Get("redirect_uri") + "?code=code-1&state=" + url.QueryEscape(q.Get("state"))
		http.Redirect(w, r, redirect, http.StatusFound)
	})
	r.Post("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(env.t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("code") != "code-1" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(oauthproto.ErrorResponse{Error: "invalid_grant"})
			return
		}
		sum := sha256.Sum256([]byte(r.FormValue("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != env.lastChallenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(oauthproto.ErrorResponse{Error: "bad_pkce"})
			return
		}
		_ = json.NewEncoder(w).Encode(oauthproto.TokenResponse{
			AccessToken: "at-secret-token",
			TokenType:   "Bearer",
			ExpiresIn:   900,
		})
	})
	r.Post("/introspect", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(oauthproto.IntrospectionResponse{
			Active: true, Scope: "echo:read", Subject: "user-123", Audience: env.rsSrv.URL,
		})
	})
	return r
}

func (env *testEnv) rsHandler() http.Handler {
	r := chi.NewRouter()
	prmPath := "/.well-known/oauth-protected-resource"
	r.Get(prmPath, func(w http.ResponseWriter, _ *http.Request) {
		meta := oauthproto.ProtectedResourceMetadata{
			Resource:             env.rsSrv.URL,
			AuthorizationServers: []string{env.asSrv.URL},
		}
		if env.prmOmitsAS {
			meta.AuthorizationServers = nil
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	})
	requireToken := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer at-secret-token" {
			w.Header().Set("WWW-Authenticate",
				fmt.Sprintf(`Bearer realm="%s", error="invalid_token", resource_metadata="%s"`,
					env.rsSrv.URL, env.rsSrv.URL+prmPath))
			w.WriteHeader(http.StatusUnauthorized)
			return false
		}
		return true
	}
	r.Get("/mcp/echo", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "echo": r.URL.Query().Get("msg"), "user": "user-123", "scope": "echo:read",
		})
	})
	r.Get("/tickets", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"tickets": []string{"t-1"}})
	})
	r.Post("/orders/{orderID}/pay", func(w http.ResponseWriter, r *http.Request) {
		if !requireToken(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["payment_method_token"] != "wallet-pm-test" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "missing payment method"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "succeeded", "orderId": chi.URLParam(r, "orderID"),
		})
	})
	return r
}

// startSession runs /session/start and returns the response.
func (env *testEnv) startSession(toolID, scope string, context map[string]any) (*http.Response, startResponse) {
	body, _ := json.Marshal(map[string]any{"tool_id": toolID, "scope": scope, "context": context})
	resp, err := http.Post(env.gwSrv.URL+"/session/start", "application/json", bytes.NewReader(body))
	require.NoError(env.t, err)

	var sr startResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(env.t, json.NewDecoder(resp.Body).Decode(&sr))
	}
	resp.Body.Close()
	return resp, sr
}

// authorize follows the authorize URL through the fake AS back to the
// gateway callback.
func (env *testEnv) authorize(authorizeURL string) *http.Response {
	resp, err := http.Get(authorizeURL)
	require.NoError(env.t, err)
	return resp
}

func TestHappyEchoFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, sr := env.startSession("mcp.echo", "echo:read", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, sr.SID)
	assert.Contains(t, sr.AuthorizeURL, env.asSrv.URL+"/authorize")
	assert.Contains(t, sr.AuthorizeURL, "code_challenge_method=S256")
	assert.Contains(t, sr.AuthorizeURL, "resource=")

	// Not ready before the user approves.
	status, err := http.Get(env.gwSrv.URL + "/session/status?scope=echo:read")
	require.NoError(t, err)
	var st map[string]bool
	require.NoError(t, json.NewDecoder(status.Body).Decode(&st))
	status.Body.Close()
	assert.False(t, st["ready"])

	cb := env.authorize(sr.AuthorizeURL)
	defer cb.Body.Close()
	assert.Equal(t, http.StatusOK, cb.StatusCode)
	assert.Equal(t, env.rsSrv.URL, env.lastResource, "resource indicator must reach the AS")

	status, err = http.Get(env.gwSrv.URL + "/session/status?scope=echo:read")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(status.Body).Decode(&st))
	status.Body.Close()
	assert.True(t, st["ready"])

	echo, err := http.Get(env.gwSrv.URL + "/mcp/echo?msg=hi")
	require.NoError(t, err)
	defer echo.Body.Close()
	require.Equal(t, http.StatusOK, echo.StatusCode)

	raw, _ := io.ReadAll(echo.Body)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hi", out["echo"])
	assert.Equal(t, "user-123", out["user"])

	// Credential firewall: the token never appears in agent-visible bodies.
	assert.NotContains(t, string(raw), "at-secret-token")
}

func TestStartFallsBackToConfiguredAS(t *testing.T) {
	env := newTestEnv(t)
	env.prmOmitsAS = true
	env.gw.cfg.ASMetaFallback = env.asSrv.URL

	resp, sr := env.startSession("mcp.echo", "echo:read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, sr.AuthorizeURL, env.asSrv.URL+"/authorize")
}

func TestStartFailsWhenNoASKnown(t *testing.T) {
	env := newTestEnv(t)
	env.prmOmitsAS = true

	resp, _ := env.startSession("mcp.echo", "echo:read", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStartDeniedByPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.evaluateAllow = false

	resp, _ := env.startSession("mcp.pay", "payments:charge", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartUnknownTool(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.startSession("mcp.nope", "echo:read", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExplicitConsentPath(t *testing.T) {
	env := newTestEnv(t)
	env.consentAuto = false

	resp, sr := env.startSession("mcp.echo", "echo:read", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, sr.AuthorizeURL, env.gwSrv.URL+"/consent?sid=")

	page, err := http.Get(sr.AuthorizeURL)
	require.NoError(t, err)
	defer page.Body.Close()
	require.Equal(t, http.StatusOK, page.StatusCode)
	html, _ := io.ReadAll(page.Body)
	assert.Contains(t, string(html), "/consent/approve")

	// Approval redirects through the AS and completes the flow.
	approve, err := http.PostForm(env.gwSrv.URL+"/consent/approve", url.Values{"sid": {sr.SID}})
	require.NoError(t, err)
	defer approve.Body.Close()
	assert.Equal(t, http.StatusOK, approve.StatusCode)

	assert.True(t, env.gw.Sessions().AnyReady("echo:read"))
}

func TestScopeSegregation(t *testing.T) {
	env := newTestEnv(t)

	_, sr := env.startSession("mcp.tickets", "tickets:read", nil)
	cb := env.authorize(sr.AuthorizeURL)
	cb.Body.Close()

	// Only a tickets:read session exists; pay must demand login.
	pay := []byte(`{"orderId":"order-1001","amount_cents":1200,"merchant_id":"mcp-tix"}`)
	resp, err := http.Post(env.gwSrv.URL+"/mcp/pay", "application/json", bytes.NewReader(pay))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "login_required", apiErr.Error)

	// A payments:charge session unlocks the call.
	_, sr2 := env.startSession("mcp.pay", "payments:charge", map[string]any{"orderId": "order-1001"})
	cb2 := env.authorize(sr2.AuthorizeURL)
	cb2.Body.Close()

	resp2, err := http.Post(env.gwSrv.URL+"/mcp/pay", "application/json", bytes.NewReader(pay))
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	assert.Equal(t, "succeeded", out["status"])
}

func TestObligationEnforcement(t *testing.T) {
	env := newTestEnv(t)
	env.evaluateObl = map[string]any{
		"bind_order":         "order-1001",
		"max_amount_cents":   2000,
		"merchant_allowlist": []string{"mcp-tix"},
		"ttl":                900,
	}

	_, sr := env.startSession("mcp.pay", "payments:charge", map[string]any{"orderId": "order-1001"})
	cb := env.authorize(sr.AuthorizeURL)
	cb.Body.Close()

	post := func(body string) (*http.Response, apiError) {
		resp, err := http.Post(env.gwSrv.URL+"/mcp/pay", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		resp.Body.Close()
		return resp, apiErr
	}

	resp, apiErr := post(`{"orderId":"order-1001","amount_cents":3000,"merchant_id":"mcp-tix"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "obligation_violation", apiErr.Error)
	assert.Contains(t, apiErr.Detail, "amount exceeds max")

	resp, apiErr = post(`{"orderId":"order-1001","amount_cents":1200,"merchant_id":"evil-shop"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, apiErr.Detail, "merchant not allowed")

	resp, apiErr = post(`{"orderId":"order-9999","amount_cents":1200,"merchant_id":"mcp-tix"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, apiErr.Detail, "orderId mismatch")

	resp, _ = post(`{"orderId":"order-1001","amount_cents":1200,"merchant_id":"mcp-tix"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestObligationTTLExpiryForcesReauth(t *testing.T) {
	env := newTestEnv(t)
	env.evaluateObl = map[string]any{"ttl": 1}

	_, sr := env.startSession("mcp.pay", "payments:charge", map[string]any{"orderId": "order-1001"})
	cb := env.authorize(sr.AuthorizeURL)
	cb.Body.Close()

	// Age the obligations past their TTL.
	env.gw.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	body := `{"orderId":"order-1001","amount_cents":100,"merchant_id":"mcp-tix"}`
	resp, err := http.Post(env.gwSrv.URL+"/mcp/pay", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "session_obligation_ttl_expired", apiErr.Error)

	// The token is gone; the next call demands login.
	resp2, err := http.Post(env.gwSrv.URL+"/mcp/pay", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var apiErr2 apiError
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&apiErr2))
	resp2.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	assert.Equal(t, "login_required", apiErr2.Error)
}

func TestCallbackRejectsTamperedState(t *testing.T) {
	env := newTestEnv(t)

	_, sr := env.startSession("mcp.echo", "echo:read", nil)

	snap, err := env.gw.Sessions().Snapshot(sr.SID)
	require.NoError(t, err)

	tampered := snap.StateToken + "x"
	resp, err := http.Get(env.gwSrv.URL + "/oauth/callback?code=code-1&state=" + url.QueryEscape(tampered))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.False(t, env.gw.Sessions().AnyReady("echo:read"))
}

func TestCallbackReplayRejected(t *testing.T) {
	env := newTestEnv(t)

	_, sr := env.startSession("mcp.echo", "echo:read", nil)
	cb := env.authorize(sr.AuthorizeURL)
	cb.Body.Close()
	require.Equal(t, http.StatusOK, cb.StatusCode)

	snap, err := env.gw.Sessions().Snapshot(sr.SID)
	require.NoError(t, err)

	replay, err := http.Get(env.gwSrv.URL + "/oauth/callback?code=code-1&state=" + url.QueryEscape(snap.StateToken))
	require.NoError(t, err)
	replay.Body.Close()
	require.Equal(t, http.StatusBadRequest, replay.StatusCode)
}

func TestCallbackWithErrorParam(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.gwSrv.URL + "/oauth/callback?error=access_denied&error_description=user+said+no")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpstreamRejectionClearsToken(t *testing.T) {
	env := newTestEnv(t)

	// A ready session whose token the RS will refuse.
	mgr := env.gw.Sessions()
	mgr.Add(&session.Session{
		SID:             "sid-stale",
		ToolID:          "mcp.echo",
		RequestedScopes: []string{"echo:read"},
	})
	require.NoError(t, mgr.Finalize("sid-stale", "stale-token", "", time.Now().Add(time.Hour)))

	resp, err := http.Get(env.gwSrv.URL + "/mcp/echo?msg=hi")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, "login_required", apiErr.Error)
	assert.False(t, mgr.AnyReady("echo:read"))
}

func TestDebugAndHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	_, sr := env.startSession("mcp.echo", "echo:read", nil)
	cb := env.authorize(sr.AuthorizeURL)
	cb.Body.Close()

	health, err := http.Get(env.gwSrv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	tok, err := http.Get(env.gwSrv.URL + "/debug/token?scope=echo:read")
	require.NoError(t, err)
	var tokBody map[string]any
	require.NoError(t, json.NewDecoder(tok.Body).Decode(&tokBody))
	tok.Body.Close()
	assert.Equal(t, "at-secret-token", tokBody["access_token"])

	intro, err := http.Get(env.gwSrv.URL + "/debug/introspect?scope=echo:read")
	require.NoError(t, err)
	var introBody oauthproto.IntrospectionResponse
	require.NoError(t, json.NewDecoder(intro.Body).Decode(&introBody))
	intro.Body.Close()
	assert.True(t, introBody.Active)

	reset, err := http.Post(env.gwSrv.URL+"/debug/session/reset", "application/json", nil)
	require.NoError(t, err)
	reset.Body.Close()
	assert.Equal(t, http.StatusOK, reset.StatusCode)
	assert.Equal(t, 0, env.gw.Sessions().Len())

	metrics, err := http.Get(env.gwSrv.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
