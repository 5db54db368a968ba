package authserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/agentgate/agentgate/pkg/oauthproto"
)

const testRedirectURI = "http://localhost:9300/oauth/callback"

func newTestAS(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(&Config{
		Issuer:          "http://localhost:9000",
		SigningSecret:   "test-secret",
		DefaultAudience: "http://localhost:9100",
		Subject:         "user-123",
		ScopesSupported: []string{"echo:read", "tickets:read", "payments:charge"},
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func registerClient(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body := `{"redirect_uris":["` + testRedirectURI + `"],"client_name":"test"}`
	resp, err := http.Post(ts.URL+"/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg oauthproto.ClientRegistrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	require.NotEmpty(t, reg.ClientID)
	return reg.ClientID
}

// authorize drives /authorize without following the redirect and returns
// the issued code.
func authorize(t *testing.T, ts *httptest.Server, clientID, scope, challenge, resource string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {scope},
		"state":                 {"opaque-state"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	if resource != "" {
		q.Set("resource", resource)
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(ts.URL + "/authorize?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "opaque-state", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func exchange(t *testing.T, ts *httptest.Server, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+"/token", form)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	return resp, body
}

func TestMetadata(t *testing.T) {
	_, ts := newTestAS(t)

	resp, err := http.Get(ts.URL + oauthproto.WellKnownAuthServerPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta oauthproto.AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "http://localhost:9000", meta.Issuer)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"none"}, meta.TokenEndpointAuthMethodsSupported)
	assert.NotEmpty(t, meta.RegistrationEndpoint)
	assert.NotEmpty(t, meta.IntrospectionEndpoint)
}

func TestFullCodeFlowWithResourceIndicator(t *testing.T) {
	srv, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)
	code := authorize(t, ts, clientID, "echo:read", challenge, "http://rs.example")

	resp, body := exchange(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, "Bearer", body["token_type"])

	// The issued audience equals the authorize-request resource indicator.
	claims, err := srv.verifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://rs.example"}, []string(claims.Audience))
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "echo:read", claims.Scope)
}

func TestTokenResourcePrecedence(t *testing.T) {
	srv, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, ts, clientID, "echo:read", oauth2.S256ChallengeFromVerifier(verifier), "http://authorize-rs.example")

	// A resource at /token overrides the one from /authorize.
	resp, body := exchange(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
		"resource":      {"http://token-rs.example"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	claims, err := srv.verifyToken(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, []string{"http://token-rs.example"}, []string(claims.Audience))
}

func TestCodeIsSingleUse(t *testing.T) {
	_, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, ts, clientID, "echo:read", oauth2.S256ChallengeFromVerifier(verifier), "")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}

	first, _ := exchange(t, ts, form)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, body := exchange(t, ts, form)
	require.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenRejectsBadPKCE(t *testing.T) {
	_, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, ts, clientID, "echo:read", oauth2.S256ChallengeFromVerifier(verifier), "")

	resp, body := exchange(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {oauth2.GenerateVerifier()},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_pkce", body["error"])
}

func TestTokenRejectsClientMismatch(t *testing.T) {
	_, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, ts, clientID, "echo:read", oauth2.S256ChallengeFromVerifier(verifier), "")

	resp, body := exchange(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {"client-other"},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_grant", body["error"])

	// A misaddressed attempt must not burn the code; the real client can
	// still redeem it.
	resp2, body2 := exchange(t, ts, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.NotEmpty(t, body2["access_token"])
}

func TestTokenAcceptsBasicAuthClientID(t *testing.T) {
	srv, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	verifier := oauth2.GenerateVerifier()
	code := authorize(t, ts, clientID, "echo:read", oauth2.S256ChallengeFromVerifier(verifier), "")

	// Some OAuth clients send client_id only in a Basic Authorization
	// header. The exchange must succeed on that first attempt.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(clientID), "")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)
	claims, err := srv.verifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "echo:read", claims.Scope)
}

func TestAuthorizeValidation(t *testing.T) {
	_, ts := newTestAS(t)
	clientID := registerClient(t, ts)

	get := func(q url.Values) *http.Response {
		resp, err := http.Get(ts.URL + "/authorize?" + q.Encode())
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	base := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"scope":                 {"echo:read"},
		"code_challenge":        {"abc"},
		"code_challenge_method": {"S256"},
	}

	// Unknown client.
	q := cloneValues(base)
	q.Set("client_id", "client-nope")
	assert.Equal(t, http.StatusBadRequest, get(q).StatusCode)

	// Unregistered redirect URI.
	q = cloneValues(base)
	q.Set("redirect_uri", "http://evil.example/cb")
	assert.Equal(t, http.StatusBadRequest, get(q).StatusCode)

	// Plain PKCE method rejected.
	q = cloneValues(base)
	q.Set("code_challenge_method", "plain")
	assert.Equal(t, http.StatusBadRequest, get(q).StatusCode)

	// Missing challenge rejected.
	q = cloneValues(base)
	q.Del("code_challenge")
	assert.Equal(t, http.StatusBadRequest, get(q).StatusCode)
}

func TestIntrospection(t *testing.T) {
	srv, ts := newTestAS(t)

	token, err := srv.mintToken("user-123", "tickets:read", "http://localhost:9100", srv.now())
	require.NoError(t, err)

	// Form-carried token.
	resp, err := http.PostForm(ts.URL+"/introspect", url.Values{"token": {token}})
	require.NoError(t, err)
	var intro oauthproto.IntrospectionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&intro))
	resp.Body.Close()
	assert.True(t, intro.Active)
	assert.Equal(t, "tickets:read", intro.Scope)
	assert.Equal(t, "user-123", intro.Subject)
	assert.Equal(t, "http://localhost:9100", intro.Audience)

	// Bearer-carried token.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/introspect", strings.NewReader(""))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var intro2 oauthproto.IntrospectionResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&intro2))
	resp2.Body.Close()
	assert.True(t, intro2.Active)

	// Garbage token reports inactive, not an error status.
	resp3, err := http.PostForm(ts.URL+"/introspect", url.Values{"token": {"garbage"}})
	require.NoError(t, err)
	var intro3 oauthproto.IntrospectionResponse
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&intro3))
	resp3.Body.Close()
	assert.False(t, intro3.Active)
}

func cloneValues(v url.Values) url.Values {
	out := url.Values{}
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
