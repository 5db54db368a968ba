// Package proxy forwards authenticated tool calls from the gateway to the
// upstream resource server. The agent-facing path, upstream method/path, and
// required scope for each tool live in a static route table; the proxy
// attaches the session's bearer token and, for payment calls, the gateway's
// wallet token. Agents never see either credential.
package proxy

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

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/pkg/networking"
)

const maxUpstreamBody = 1 << 20

// Forwarding errors.
var (
	// ErrUpstreamRejected indicates the upstream answered 401 or 403; the
	// caller must clear the session token and demand re-auth.
	ErrUpstreamRejected = errors.New("upstream rejected token")

	// ErrUpstreamUnavailable indicates a transport-level failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrMissingOrderID indicates a pay request without an orderId to fill
	// the upstream path.
	ErrMissingOrderID = errors.New("request body has no orderId")
)

// Route maps one agent-facing tool path to its upstream endpoint.
type Route struct {
	// ToolPath is the gateway path the agent calls, e.g. /mcp/pay.
	ToolPath string

	// ToolID is the tool identifier used in policy decisions, e.g. mcp.pay.
	ToolID string

	// Scope is the OAuth scope a session must hold to use this route.
	Scope string

	// Method and UpstreamPath describe the resource server endpoint.
	// UpstreamPath may contain an {orderId} placeholder filled from the
	// request body.
	Method       string
	UpstreamPath string

	// InjectWallet marks routes whose JSON body receives the gateway's
	// payment method token before forwarding.
	InjectWallet bool
}

// Routes is the static tool table served by the gateway.
var Routes = []Route{
	{ToolPath: "/mcp/echo", ToolID: "mcp.echo", Scope: "echo:read", Method: http.MethodGet, UpstreamPath: "/mcp/echo"},
	{ToolPath: "/mcp/tickets", ToolID: "mcp.tickets", Scope: "tickets:read", Method: http.MethodGet, UpstreamPath: "/tickets"},
	{ToolPath: "/mcp/pay", ToolID: "mcp.pay", Scope: "payments:charge", Method: http.MethodPost, UpstreamPath: "/orders/{orderId}/pay", InjectWallet: true},
}

// Lookup finds the route for an agent-facing tool path.
func Lookup(toolPath string) (Route, bool) {
	for _, r := range Routes {
		if r.ToolPath == toolPath {
			return r, true
		}
	}
	return Route{}, false
}

// LookupByToolID finds the route for a tool identifier.
func LookupByToolID(toolID string) (Route, bool) {
	for _, r := range Routes {
		if r.ToolID == toolID {
			return r, true
		}
	}
	return Route{}, false
}

// Result is a forwarded upstream response.
type Result struct {
	Status int
	Body   []byte
}

// Proxy forwards tool calls to one upstream resource server.
type Proxy struct {
	upstreamBase string
	walletToken  string
	http         networking.HTTPClient
}

// New creates a proxy for the resource server at upstreamBase. walletToken
// is the payment credential injected into pay bodies.
func New(upstreamBase, walletToken string) *Proxy {
	return &Proxy{
		upstreamBase: strings.TrimRight(upstreamBase, "/"),
		walletToken:  walletToken,
		http:         networking.NewHttpClientBuilder().Build(),
	}
}

// NewWithHTTP creates a proxy with a caller-supplied HTTP client.
func NewWithHTTP(upstreamBase, walletToken string, httpClient networking.HTTPClient) *Proxy {
	p := New(upstreamBase, walletToken)
	p.http = httpClient
	return p
}

// Forward sends the tool call upstream with the session's access token.
// Query parameters and the JSON body pass through; pay bodies additionally
// receive the wallet token. JSON responses are re-serialized so upstream
// bytes never reach the agent verbatim.
func (p *Proxy) Forward(ctx context.Context, route Route, accessToken string, query url.Values, body []byte) (*Result, error) {
	upstreamPath, err := expandPath(route.UpstreamPath, body)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if route.Method == http.MethodPost {
		forwarded, err := p.prepareBody(route, body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(forwarded)
	}

	upstreamURL := p.upstreamBase + upstreamPath
	if len(query) > 0 {
		upstreamURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, upstreamURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamRejected, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnavailable, err)
	}

	return &Result{Status: resp.StatusCode, Body: normalizeJSON(data)}, nil
}

// prepareBody injects the wallet token into pay bodies. Other POST bodies
// pass through unchanged.
func (p *Proxy) prepareBody(route Route, body []byte) ([]byte, error) {
	if !route.InjectWallet {
		return body, nil
	}

	fields := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	fields["payment_method_token"] = p.walletToken
	return json.Marshal(fields)
}

// expandPath substitutes the {orderId} placeholder from the request body.
func expandPath(template string, body []byte) (string, error) {
	if !strings.Contains(template, "{orderId}") {
		return template, nil
	}
	orderID := gjson.GetBytes(body, "orderId").String()
	if orderID == "" {
		return "", ErrMissingOrderID
	}
	return strings.ReplaceAll(template, "{orderId}", url.PathEscape(orderID)), nil
}

// normalizeJSON round-trips JSON payloads through the decoder so the agent
// receives the gateway's serialization, not the upstream's raw bytes.
func normalizeJSON(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(v)
	if err != nil {
		return data
	}
	return out
}
