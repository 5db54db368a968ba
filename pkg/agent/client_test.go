package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway stands in for the gateway's agent-facing endpoints.
type fakeGateway struct {
	mux        *http.ServeMux
	polls      atomic.Int64
	readyAfter int64
	lastStart  startRequest
}

func newFakeGateway(t *testing.T, readyAfter int64) (*fakeGateway, *httptest.Server) {
	t.Helper()
	fg := &fakeGateway{mux: http.NewServeMux(), readyAfter: readyAfter}

	fg.mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&fg.lastStart))
		_ = json.NewEncoder(w).Encode(startResponse{
			SID:          "sid-1",
			AuthorizeURL: "http://localhost:9000/authorize?state=x",
		})
	})
	fg.mux.HandleFunc("GET /session/status", func(w http.ResponseWriter, _ *http.Request) {
		n := fg.polls.Add(1)
		_ = json.NewEncoder(w).Encode(statusResponse{Ready: n >= fg.readyAfter})
	})
	fg.mux.HandleFunc("GET /mcp/echo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "echo": r.URL.Query().Get("msg")})
	})
	fg.mux.HandleFunc("POST /mcp/pay", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "payment_method_token")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "succeeded"})
	})

	ts := httptest.NewServer(fg.mux)
	t.Cleanup(ts.Close)
	return fg, ts
}

func TestEnsureSessionPollsUntilReady(t *testing.T) {
	fg, ts := newFakeGateway(t, 3)

	c := NewClient(ts.URL)
	c.SkipBrowser = true

	err := c.EnsureSession(t.Context(), "mcp.echo", "echo:read", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fg.polls.Load(), int64(3))
	assert.Equal(t, "mcp.echo", fg.lastStart.ToolID)
	assert.Equal(t, "echo:read", fg.lastStart.Scope)
}

func TestEnsureSessionPassesContext(t *testing.T) {
	fg, ts := newFakeGateway(t, 1)

	c := NewClient(ts.URL)
	c.SkipBrowser = true

	err := c.EnsureSession(t.Context(), "mcp.pay", "payments:charge", map[string]any{
		"orderId": "order-1001", "amount_cents": float64(500),
	})
	require.NoError(t, err)
	assert.Equal(t, "order-1001", fg.lastStart.Context["orderId"])
}

func TestEnsureSessionSurfacesStartDenial(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "denied_by_policy"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL)
	c.SkipBrowser = true

	err := c.EnsureSession(t.Context(), "mcp.pay", "payments:charge", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCallToolGet(t *testing.T) {
	_, ts := newFakeGateway(t, 1)

	c := NewClient(ts.URL)
	res, err := c.CallTool(t.Context(), "/mcp/echo", url.Values{"msg": {"hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, string(res.Body), `"echo":"hi"`)
}

func TestCallToolPostCarriesNoWalletToken(t *testing.T) {
	_, ts := newFakeGateway(t, 1)

	c := NewClient(ts.URL)
	res, err := c.CallTool(t.Context(), "/mcp/pay", nil,
		[]byte(`{"orderId":"order-1001","amount_cents":500,"merchant_id":"mcp-tix"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, string(res.Body), "succeeded")
}
